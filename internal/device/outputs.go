package device

import (
	"context"
	"errors"
)

// WakeWord drives the device's wake-word engine.
type WakeWord struct{ b *Bridge }

// WakeWord returns the device wake-word detector.
func (b *Bridge) WakeWord() *WakeWord { return &WakeWord{b: b} }

// Start enables wake-word spotting on the device.
func (w *WakeWord) Start() error {
	return w.b.send(Message{Type: TypeStartWakeWord})
}

// Stop disables wake-word spotting. With no device attached there is
// nothing to stop.
func (w *WakeWord) Stop() error {
	err := w.b.send(Message{Type: TypeStopWakeWord})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Speaker speaks through the device's local synthesizer.
type Speaker struct{ b *Bridge }

// Speaker returns the device's local speech output.
func (b *Bridge) Speaker() *Speaker { return &Speaker{b: b} }

// Speak blocks until the device finishes speaking text.
func (s *Speaker) Speak(ctx context.Context, text string, speed float64, language string) error {
	s.b.speaking.Store(true)
	defer s.b.speaking.Store(false)
	return s.b.request(ctx, Message{Type: TypeSpeak, Text: text, Speed: speed, Language: language})
}

// Stop interrupts speech on the device.
func (s *Speaker) Stop() { _ = s.b.send(Message{Type: TypeStopSpeaking}) }

// Speaking reports whether a Speak or Play request is in progress.
func (s *Speaker) Speaking() bool { return s.b.speaking.Load() }

// Player plays encoded audio on the device.
type Player struct{ b *Bridge }

// Player returns the device audio output.
func (b *Bridge) Player() *Player { return &Player{b: b} }

// Play blocks until the device finishes playing audio.
func (p *Player) Play(ctx context.Context, audio []byte) error {
	p.b.speaking.Store(true)
	defer p.b.speaking.Store(false)
	return p.b.request(ctx, Message{Type: TypePlayAudio, Audio: audio})
}

// Stop interrupts playback on the device.
func (p *Player) Stop() { _ = p.b.send(Message{Type: TypeStopSpeaking}) }
