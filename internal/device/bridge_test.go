package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/albertojacini/vemorize/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingListener struct {
	mu      sync.Mutex
	speech  []string
	finals  []bool
	wakes   int
	changed chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{changed: make(chan struct{}, 8)}
}

func (l *recordingListener) OnSpeech(text string, final bool) {
	l.mu.Lock()
	l.speech = append(l.speech, text)
	l.finals = append(l.finals, final)
	l.mu.Unlock()
	l.changed <- struct{}{}
}

func (l *recordingListener) OnWakeWord() {
	l.mu.Lock()
	l.wakes++
	l.mu.Unlock()
	l.changed <- struct{}{}
}

// connectDevice starts a server for b and dials it as the device.
func connectDevice(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge never saw the device")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitChange(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}
}

func TestBridge_NotConnected(t *testing.T) {
	b := NewBridge(nil, discardLogger())

	if err := b.StartListening("en-US"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("StartListening error = %v, want ErrNotConnected", err)
	}
	if err := b.StopListening(); err != nil {
		t.Errorf("StopListening without device = %v, want nil", err)
	}
	if err := b.WakeWord().Start(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WakeWord.Start error = %v, want ErrNotConnected", err)
	}
	if err := b.WakeWord().Stop(); err != nil {
		t.Errorf("WakeWord.Stop without device = %v, want nil", err)
	}
	if err := b.Speaker().Speak(context.Background(), "hi", 1, "en-US"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Speak error = %v, want ErrNotConnected", err)
	}
	if b.Speaker().Speaking() {
		t.Error("Speaking() true after failed Speak")
	}
}

func TestBridge_CommandsAndResults(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	b := NewBridge(bus, discardLogger())
	listener := newRecordingListener()
	b.SetListener(listener)
	conn := connectDevice(t, b)

	if e := <-ch; e.Kind != events.KindConnected {
		t.Errorf("first event = %s, want connected", e.Kind)
	}

	if err := b.StartListening("de-DE"); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeStartListening || msg.Language != "de-DE" {
		t.Errorf("device got %+v", msg)
	}
	if err := b.WakeWord().Start(); err != nil {
		t.Fatalf("WakeWord.Start: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeStartWakeWord {
		t.Errorf("device got %+v", msg)
	}

	if err := conn.WriteJSON(Message{Type: TypeSpeech, Text: "next", Final: true}); err != nil {
		t.Fatalf("write speech: %v", err)
	}
	waitChange(t, listener)
	if err := conn.WriteJSON(Message{Type: TypeWakeWord}); err != nil {
		t.Fatalf("write wake word: %v", err)
	}
	waitChange(t, listener)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.speech) != 1 || listener.speech[0] != "next" || !listener.finals[0] {
		t.Errorf("speech = %v %v", listener.speech, listener.finals)
	}
	if listener.wakes != 1 {
		t.Errorf("wakes = %d, want 1", listener.wakes)
	}
}

func TestBridge_SpeakWaitsForDone(t *testing.T) {
	b := NewBridge(nil, discardLogger())
	conn := connectDevice(t, b)
	speaker := b.Speaker()

	errCh := make(chan error, 1)
	go func() { errCh <- speaker.Speak(context.Background(), "Hello", 1.5, "en-US") }()

	msg := readMessage(t, conn)
	if msg.Type != TypeSpeak || msg.Text != "Hello" || msg.Speed != 1.5 || msg.ID == "" {
		t.Fatalf("device got %+v", msg)
	}
	if !speaker.Speaking() {
		t.Error("Speaking() false while a request is pending")
	}
	if err := conn.WriteJSON(Message{Type: TypeDone, ID: msg.ID}); err != nil {
		t.Fatalf("write done: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Speak: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return")
	}
}

func TestBridge_PlayReportsDeviceError(t *testing.T) {
	b := NewBridge(nil, discardLogger())
	conn := connectDevice(t, b)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Player().Play(context.Background(), []byte("mp3")) }()

	msg := readMessage(t, conn)
	if msg.Type != TypePlayAudio || string(msg.Audio) != "mp3" {
		t.Fatalf("device got %+v", msg)
	}
	if err := conn.WriteJSON(Message{Type: TypeError, ID: msg.ID, Error: "codec"}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "codec") {
			t.Errorf("Play error = %v, want device error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
	}
}

func TestBridge_DisconnectFailsPending(t *testing.T) {
	b := NewBridge(nil, discardLogger())
	conn := connectDevice(t, b)

	errCh := make(chan error, 1)
	go func() { errCh <- b.Speaker().Speak(context.Background(), "Hello", 1, "") }()
	readMessage(t, conn)
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Speak error = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after disconnect")
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("bridge still connected")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBridge_SpeakCancelled(t *testing.T) {
	b := NewBridge(nil, discardLogger())
	conn := connectDevice(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Speaker().Speak(ctx, "Hello", 1, "") }()
	readMessage(t, conn)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Speak error = %v, want context.Canceled", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeStopSpeaking {
		t.Errorf("after cancel device got %+v, want stop_speaking", msg)
	}
}
