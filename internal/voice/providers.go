package voice

import (
	"context"
	"time"
)

// SpeechInput captures user speech. Results are delivered to
// Lifecycle.OnSpeech by whoever owns the recognizer.
type SpeechInput interface {
	StartListening(language string) error
	StopListening() error
}

// WakeWordDetector listens for the wake word. Detections are delivered
// to Lifecycle.OnWakeWord.
type WakeWordDetector interface {
	Start() error
	Stop() error
}

// Speaker synthesizes and plays speech. Speak blocks until playback
// completes or ctx is done.
type Speaker interface {
	Speak(ctx context.Context, text string, speed float64, language string) error
	Stop()
	Speaking() bool
}

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// noopInput and noopDetector stand in for missing providers.
type noopInput struct{}

func (noopInput) StartListening(string) error { return nil }
func (noopInput) StopListening() error        { return nil }

type noopDetector struct{}

func (noopDetector) Start() error { return nil }
func (noopDetector) Stop() error  { return nil }
