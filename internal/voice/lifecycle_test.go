package voice

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/albertojacini/vemorize/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	pending := !t.stopped && !t.fired
	t.stopped = true
	return pending
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()
	for _, f := range due {
		f()
	}
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fakeProviders tracks both providers and records any moment where
// both were active.
type fakeProviders struct {
	mu        sync.Mutex
	listening bool
	detecting bool
	language  string
	overlaps  int
	startErr  error
}

func (p *fakeProviders) StartListening(language string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	if p.detecting {
		p.overlaps++
	}
	p.listening = true
	p.language = language
	return nil
}

func (p *fakeProviders) StopListening() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listening = false
	return nil
}

func (p *fakeProviders) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening {
		p.overlaps++
	}
	p.detecting = true
	return nil
}

func (p *fakeProviders) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detecting = false
	return nil
}

func (p *fakeProviders) active() (listening, detecting bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening, p.detecting
}

func newTestLifecycle(t *testing.T, bus *events.Bus) (*Lifecycle, *fakeProviders, *manualClock) {
	t.Helper()
	p := &fakeProviders{}
	clock := &manualClock{}
	l := NewLifecycle(LifecycleConfig{
		Speech:            p,
		WakeWord:          p,
		Language:          "it-IT",
		InactivityTimeout: time.Minute,
		Clock:             clock,
		Bus:               bus,
		Logger:            discardLogger(),
	})
	t.Cleanup(func() {
		l.Close()
		if p.overlaps != 0 {
			t.Errorf("speech capture and wake-word detection overlapped %d times", p.overlaps)
		}
	})
	return l, p, clock
}

func assertState(t *testing.T, l *Lifecycle, want State) {
	t.Helper()
	if got := l.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]State]bool{
		{Stopped, ActiveListening}:      true,
		{ActiveListening, WakeWordMode}: true,
		{ActiveListening, Stopped}:      true,
		{WakeWordMode, ActiveListening}: true,
		{WakeWordMode, Stopped}:         true,
	}
	states := []State{Stopped, ActiveListening, WakeWordMode}
	for _, from := range states {
		for _, to := range states {
			if got := CanTransition(from, to); got != legal[[2]State{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestLifecycle_RejectsIllegalTransitions(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)
	l, p, _ := newTestLifecycle(t, bus)

	err := l.TransitionTo(WakeWordMode)
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("TransitionTo(WakeWordMode) error = %v, want IllegalTransitionError", err)
	}
	if illegal.From != Stopped || illegal.To != WakeWordMode {
		t.Errorf("error = %+v", illegal)
	}
	assertState(t, l, Stopped)
	if listening, detecting := p.active(); listening || detecting {
		t.Error("rejected transition touched the providers")
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindTransitionRejected || e.Data["to"] != "wake_word" {
			t.Errorf("event = %+v", e)
		}
	default:
		t.Error("no rejection event published")
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(); !errors.As(err, &illegal) {
		t.Errorf("self-transition error = %v, want IllegalTransitionError", err)
	}
	assertState(t, l, ActiveListening)
}

func TestLifecycle_EntryActions(t *testing.T) {
	l, p, clock := newTestLifecycle(t, nil)

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	assertState(t, l, ActiveListening)
	if listening, detecting := p.active(); !listening || detecting {
		t.Errorf("ActiveListening providers = %v/%v, want capture only", listening, detecting)
	}
	if p.language != "it-IT" {
		t.Errorf("language = %q", p.language)
	}

	clock.Advance(time.Minute)
	assertState(t, l, WakeWordMode)
	if listening, detecting := p.active(); listening || !detecting {
		t.Errorf("WakeWordMode providers = %v/%v, want detection only", listening, detecting)
	}
	if clock.pending() != 0 {
		t.Error("inactivity timer still pending in WakeWordMode")
	}

	l.OnWakeWord()
	assertState(t, l, ActiveListening)
	if listening, detecting := p.active(); !listening || detecting {
		t.Errorf("after wake word providers = %v/%v", listening, detecting)
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	assertState(t, l, Stopped)
	if listening, detecting := p.active(); listening || detecting {
		t.Errorf("Stopped providers = %v/%v, want none", listening, detecting)
	}
	if clock.pending() != 0 {
		t.Error("inactivity timer still pending when stopped")
	}

	// Stopped never moves to wake-word mode by timer or detection.
	clock.Advance(time.Hour)
	l.OnWakeWord()
	assertState(t, l, Stopped)
}

func TestLifecycle_SpeechResetsTimer(t *testing.T) {
	l, _, clock := newTestLifecycle(t, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.Advance(50 * time.Second)
	l.OnSpeech("hel", false)
	clock.Advance(50 * time.Second)
	assertState(t, l, ActiveListening)

	l.OnSpeech("hello", true)
	clock.Advance(59 * time.Second)
	assertState(t, l, ActiveListening)
	if clock.pending() != 1 {
		t.Errorf("pending timers = %d, want exactly 1", clock.pending())
	}

	clock.Advance(time.Second)
	assertState(t, l, WakeWordMode)
}

func TestLifecycle_IgnoresStaleTimerFire(t *testing.T) {
	l, _, clock := newTestLifecycle(t, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clock.mu.Lock()
	stale := clock.timers[0].f
	clock.mu.Unlock()

	// A reset races with the old timer firing.
	l.OnSpeech("next", false)
	stale()
	assertState(t, l, ActiveListening)
}

func TestLifecycle_Transcripts(t *testing.T) {
	l, _, clock := newTestLifecycle(t, nil)

	l.OnSpeech("ignored while stopped", true)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.OnSpeech("partial", false)
	l.OnSpeech("", true)
	l.OnSpeech("next", true)

	clock.Advance(time.Minute)
	l.OnSpeech("ignored in wake-word mode", true)

	select {
	case got := <-l.Transcripts():
		if got != "next" {
			t.Errorf("transcript = %q, want next", got)
		}
	default:
		t.Fatal("no transcript queued")
	}
	select {
	case got := <-l.Transcripts():
		t.Errorf("unexpected transcript %q", got)
	default:
	}
}

func TestLifecycle_SuspendResume(t *testing.T) {
	l, p, clock := newTestLifecycle(t, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	l.Suspend()
	if !l.Suspended() {
		t.Fatal("Suspended() = false after Suspend")
	}
	if listening, _ := p.active(); listening {
		t.Error("speech capture still running while suspended")
	}
	clock.Advance(5 * time.Minute)
	assertState(t, l, ActiveListening)

	l.OnSpeech("my own voice", true)
	select {
	case got := <-l.Transcripts():
		t.Errorf("transcript %q accepted while suspended", got)
	default:
	}

	l.Resume()
	if listening, _ := p.active(); !listening {
		t.Error("speech capture not restarted by Resume")
	}
	clock.Advance(59 * time.Second)
	assertState(t, l, ActiveListening)
	clock.Advance(time.Second)
	assertState(t, l, WakeWordMode)
}

func TestLifecycle_StopWhileSuspended(t *testing.T) {
	l, p, _ := newTestLifecycle(t, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.Suspend()
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	l.Resume()
	if listening, detecting := p.active(); listening || detecting {
		t.Errorf("Resume after Stop restarted providers: %v/%v", listening, detecting)
	}
	assertState(t, l, Stopped)
}

func TestLifecycle_ProviderErrorKeepsState(t *testing.T) {
	l, p, _ := newTestLifecycle(t, nil)
	p.startErr = errors.New("microphone busy")

	err := l.Start()
	if err == nil {
		t.Fatal("Start should report the provider failure")
	}
	var illegal *IllegalTransitionError
	if errors.As(err, &illegal) {
		t.Errorf("provider failure reported as illegal transition: %v", err)
	}
	assertState(t, l, ActiveListening)
}

func TestLifecycle_Close(t *testing.T) {
	l, p, _ := newTestLifecycle(t, nil)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	l.Close()
	l.Close()

	assertState(t, l, Stopped)
	if listening, detecting := p.active(); listening || detecting {
		t.Error("Close left a provider running")
	}
	if _, ok := <-l.Transcripts(); ok {
		t.Error("Transcripts not closed")
	}
	if err := l.Start(); !errors.Is(err, ErrLifecycleClosed) {
		t.Errorf("Start after Close error = %v, want ErrLifecycleClosed", err)
	}
	l.OnSpeech("late", true)
	l.OnWakeWord()
}

func TestLifecycle_RealClockDemotes(t *testing.T) {
	p := &fakeProviders{}
	l := NewLifecycle(LifecycleConfig{
		Speech:            p,
		WakeWord:          p,
		InactivityTimeout: 20 * time.Millisecond,
		Logger:            discardLogger(),
	})
	defer l.Close()

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for l.State() != WakeWordMode {
		if time.Now().After(deadline) {
			t.Fatal("lifecycle never demoted to wake-word mode")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestState_Names(t *testing.T) {
	tests := []struct {
		state   State
		name    string
		display string
	}{
		{Stopped, "stopped", "Stopped"},
		{ActiveListening, "active_listening", "Listening for commands"},
		{WakeWordMode, "wake_word", "Say wake word to activate"},
	}
	for _, tt := range tests {
		if tt.state.String() != tt.name || tt.state.DisplayName() != tt.display {
			t.Errorf("%d: got %q / %q", tt.state, tt.state.String(), tt.state.DisplayName())
		}
		parsed, err := ParseState(tt.name)
		if err != nil || parsed != tt.state {
			t.Errorf("ParseState(%q) = %v, %v", tt.name, parsed, err)
		}
	}
	if _, err := ParseState("dozing"); err == nil {
		t.Error("ParseState accepted an unknown name")
	}
}
