package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/albertojacini/vemorize/internal/events"
)

// DefaultInactivityTimeout is how long ActiveListening waits for speech
// before dropping to WakeWordMode.
const DefaultInactivityTimeout = 60 * time.Second

// ErrLifecycleClosed is returned by a closed Lifecycle.
var ErrLifecycleClosed = errors.New("voice lifecycle closed")

// LifecycleConfig configures a Lifecycle. Nil providers are replaced by
// no-ops.
type LifecycleConfig struct {
	Speech            SpeechInput
	WakeWord          WakeWordDetector
	Language          string
	InactivityTimeout time.Duration
	Clock             Clock
	Bus               *events.Bus
	Logger            *slog.Logger
}

// Lifecycle is the voice control state machine. A single mutex covers
// the state, provider calls and the inactivity timer, so the two
// providers are never active at the same time.
type Lifecycle struct {
	speech   SpeechInput
	wake     WakeWordDetector
	language string
	timeout  time.Duration
	clock    Clock
	bus      *events.Bus
	logger   *slog.Logger

	transcripts chan string

	mu        sync.Mutex
	state     State
	timer     Timer
	gen       uint64 // bumped on every timer cancel; stale fires compare unequal
	suspended bool
	closed    bool
}

// NewLifecycle creates a Lifecycle in the Stopped state.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	l := &Lifecycle{
		speech:      cfg.Speech,
		wake:        cfg.WakeWord,
		language:    cfg.Language,
		timeout:     cfg.InactivityTimeout,
		clock:       cfg.Clock,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		transcripts: make(chan string, 8),
		state:       Stopped,
	}
	if l.speech == nil {
		l.speech = noopInput{}
	}
	if l.wake == nil {
		l.wake = noopDetector{}
	}
	if l.timeout <= 0 {
		l.timeout = DefaultInactivityTimeout
	}
	if l.clock == nil {
		l.clock = realClock{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.language == "" {
		l.language = "en-US"
	}
	return l
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Language returns the speech recognition language tag.
func (l *Lifecycle) Language() string { return l.language }

// Transcripts delivers final transcripts received in ActiveListening.
// The channel is closed by Close.
func (l *Lifecycle) Transcripts() <-chan string { return l.transcripts }

// Start begins a listening session.
func (l *Lifecycle) Start() error { return l.TransitionTo(ActiveListening) }

// Stop ends the listening session.
func (l *Lifecycle) Stop() error { return l.TransitionTo(Stopped) }

// TransitionTo moves to the given state and runs its entry actions.
// Moves outside the transition table, self-transitions included, return
// an *IllegalTransitionError and change nothing. Provider failures
// during entry are logged and returned; the state change stands.
func (l *Lifecycle) TransitionTo(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLifecycleClosed
	}
	return l.transitionLocked(to)
}

func (l *Lifecycle) transitionLocked(to State) error {
	from := l.state
	if !CanTransition(from, to) {
		l.logger.Warn("voice transition rejected", "from", from, "to", to)
		l.bus.Emit(events.SourceVoice, events.KindTransitionRejected, map[string]any{
			"from": from.String(),
			"to":   to.String(),
		})
		return &IllegalTransitionError{From: from, To: to}
	}

	l.state = to
	l.suspended = false
	err := l.enterLocked(to)

	l.logger.Info("voice state changed", "from", from, "to", to)
	l.bus.Emit(events.SourceVoice, events.KindStateChanged, map[string]any{
		"from":    from.String(),
		"to":      to.String(),
		"display": to.DisplayName(),
	})
	return err
}

// enterLocked runs the entry actions of s. Whatever is stopped is
// stopped before anything is started.
func (l *Lifecycle) enterLocked(s State) error {
	var errs []error
	switch s {
	case ActiveListening:
		errs = append(errs, l.stopWakeLocked())
		errs = append(errs, l.startSpeechLocked())
		l.resetTimerLocked()
	case WakeWordMode:
		l.cancelTimerLocked()
		errs = append(errs, l.stopSpeechLocked())
		errs = append(errs, l.startWakeLocked())
	case Stopped:
		l.cancelTimerLocked()
		errs = append(errs, l.stopSpeechLocked())
		errs = append(errs, l.stopWakeLocked())
	}
	return errors.Join(errs...)
}

func (l *Lifecycle) startSpeechLocked() error {
	if err := l.speech.StartListening(l.language); err != nil {
		l.logger.Error("failed to start speech capture", "error", err)
		return fmt.Errorf("start speech capture: %w", err)
	}
	return nil
}

func (l *Lifecycle) stopSpeechLocked() error {
	if err := l.speech.StopListening(); err != nil {
		l.logger.Warn("failed to stop speech capture", "error", err)
		return fmt.Errorf("stop speech capture: %w", err)
	}
	return nil
}

func (l *Lifecycle) startWakeLocked() error {
	if err := l.wake.Start(); err != nil {
		l.logger.Error("failed to start wake-word detection", "error", err)
		return fmt.Errorf("start wake-word detection: %w", err)
	}
	return nil
}

func (l *Lifecycle) stopWakeLocked() error {
	if err := l.wake.Stop(); err != nil {
		l.logger.Warn("failed to stop wake-word detection", "error", err)
		return fmt.Errorf("stop wake-word detection: %w", err)
	}
	return nil
}

// resetTimerLocked cancels any pending timeout and schedules a new one
// the full timeout from now.
func (l *Lifecycle) resetTimerLocked() {
	l.cancelTimerLocked()
	gen := l.gen
	l.timer = l.clock.AfterFunc(l.timeout, func() { l.onTimeout(gen) })
}

func (l *Lifecycle) cancelTimerLocked() {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Lifecycle) onTimeout(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen || l.closed || l.suspended || l.state != ActiveListening {
		return
	}
	l.logger.Debug("voice inactivity timeout", "timeout", l.timeout)
	l.timer = nil
	_ = l.transitionLocked(WakeWordMode)
}

// OnSpeech reports a recognizer result. Any result in ActiveListening
// restarts the inactivity timer; final transcripts are queued on
// Transcripts. Results in other states, or while suspended, are
// ignored.
func (l *Lifecycle) OnSpeech(text string, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.suspended || l.state != ActiveListening {
		return
	}
	l.resetTimerLocked()
	if !final || text == "" {
		return
	}

	l.bus.Emit(events.SourceVoice, events.KindTranscript, map[string]any{"len": len(text)})
	select {
	case l.transcripts <- text:
	default:
		l.logger.Warn("transcript dropped, turn queue full", "len", len(text))
	}
}

// OnWakeWord reports a wake-word detection. It promotes WakeWordMode to
// ActiveListening and is ignored elsewhere.
func (l *Lifecycle) OnWakeWord() {
	l.mu.Lock()
	defer l.mu.Unlock()
	accepted := !l.closed && !l.suspended && l.state == WakeWordMode
	l.bus.Emit(events.SourceVoice, events.KindWakeWord, map[string]any{
		"state":    l.state.String(),
		"accepted": accepted,
	})
	if !accepted {
		l.logger.Debug("wake word ignored", "state", l.state)
		return
	}
	_ = l.transitionLocked(ActiveListening)
}

// Suspend pauses the active provider while the assistant speaks. The
// state is unchanged and the inactivity timer is paused.
func (l *Lifecycle) Suspend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.suspended || l.state == Stopped {
		return
	}
	l.suspended = true
	switch l.state {
	case ActiveListening:
		l.cancelTimerLocked()
		_ = l.stopSpeechLocked()
	case WakeWordMode:
		_ = l.stopWakeLocked()
	}
}

// Resume restarts the provider paused by Suspend. If the state changed
// in between, the new state's entry actions already apply and Resume
// does nothing.
func (l *Lifecycle) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.suspended {
		return
	}
	l.suspended = false
	switch l.state {
	case ActiveListening:
		_ = l.startSpeechLocked()
		l.resetTimerLocked()
	case WakeWordMode:
		_ = l.startWakeLocked()
	}
}

// Suspended reports whether listening is paused for speech output.
func (l *Lifecycle) Suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suspended
}

// Close stops everything and releases the transcript channel. It is
// safe to call more than once.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.state != Stopped {
		_ = l.transitionLocked(Stopped)
	}
	l.closed = true
	close(l.transcripts)
}
