package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/albertojacini/vemorize/internal/events"
)

// Synthesizer turns text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, speed float64) ([]byte, error)
}

// AudioPlayer plays encoded audio. Play blocks until playback ends.
type AudioPlayer interface {
	Play(ctx context.Context, audio []byte) error
	Stop()
}

// FallbackSpeaker speaks through cloud synthesis when enabled and falls
// back to the local speaker when synthesis fails or times out. Cloud
// failures are logged and reported on the bus, never returned.
type FallbackSpeaker struct {
	cloud   Synthesizer
	player  AudioPlayer
	local   Speaker
	timeout time.Duration
	bus     *events.Bus
	logger  *slog.Logger

	useCloud atomic.Bool
	playing  atomic.Bool
}

// NewFallbackSpeaker creates a speaker. cloud and player may be nil, in
// which case every request goes to local.
func NewFallbackSpeaker(cloud Synthesizer, player AudioPlayer, local Speaker, timeout time.Duration, bus *events.Bus, logger *slog.Logger) *FallbackSpeaker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &FallbackSpeaker{
		cloud:   cloud,
		player:  player,
		local:   local,
		timeout: timeout,
		bus:     bus,
		logger:  logger,
	}
	s.useCloud.Store(cloud != nil && player != nil)
	return s
}

// SetCloudEnabled selects cloud synthesis for subsequent requests. It
// has no effect without a cloud synthesizer.
func (s *FallbackSpeaker) SetCloudEnabled(on bool) {
	s.useCloud.Store(on && s.cloud != nil && s.player != nil)
}

// CloudEnabled reports whether cloud synthesis is tried first.
func (s *FallbackSpeaker) CloudEnabled() bool { return s.useCloud.Load() }

// Speak says text. Blank text is skipped.
func (s *FallbackSpeaker) Speak(ctx context.Context, text string, speed float64, language string) error {
	if strings.TrimSpace(text) == "" {
		s.logger.Debug("skipping empty speech")
		return nil
	}

	if s.useCloud.Load() {
		audio, err := s.synthesize(ctx, text, speed)
		if err == nil {
			s.playing.Store(true)
			defer s.playing.Store(false)
			return s.player.Play(ctx, audio)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("cloud speech failed, using local speech", "error", err)
		s.bus.Emit(events.SourceTTS, events.KindFallback, map[string]any{"error": err.Error()})
	}

	if s.local == nil {
		return errors.New("no local speaker configured")
	}
	return s.local.Speak(ctx, text, speed, language)
}

func (s *FallbackSpeaker) synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cloud.Synthesize(ctx, text, speed)
}

// Stop interrupts playback on both paths.
func (s *FallbackSpeaker) Stop() {
	if s.player != nil {
		s.player.Stop()
	}
	if s.local != nil {
		s.local.Stop()
	}
}

// Speaking reports whether either path is playing.
func (s *FallbackSpeaker) Speaking() bool {
	if s.playing.Load() {
		return true
	}
	return s.local != nil && s.local.Speaking()
}
