package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/albertojacini/vemorize/internal/chat"
)

// Turner answers one user turn.
type Turner interface {
	Handle(ctx context.Context, input string) (chat.Reply, error)
}

// cloudSelector is implemented by speakers that can switch between
// cloud and local synthesis per reply.
type cloudSelector interface {
	SetCloudEnabled(on bool)
}

// Loop is the background worker that turns final transcripts into
// spoken replies. Listening is suspended while a reply is spoken so the
// assistant does not hear itself.
type Loop struct {
	lifecycle *Lifecycle
	turns     Turner
	speaker   Speaker
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a stopped loop.
func NewLoop(lifecycle *Lifecycle, turns Turner, speaker Speaker, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		lifecycle: lifecycle,
		turns:     turns,
		speaker:   speaker,
		logger:    logger,
	}
}

// Start runs the loop until ctx is done, Stop is called or the
// lifecycle is closed. Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

// Stop cancels the loop, interrupts any reply being spoken and waits
// for the worker to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.speaker.Stop()
	<-done
}

// Wait blocks until the worker exits.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	l.logger.Info("voice loop started")
	defer l.logger.Info("voice loop stopped")

	transcripts := l.lifecycle.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-transcripts:
			if !ok {
				return
			}
			if err := l.turn(ctx, text); errors.Is(err, chat.ErrClosed) {
				return
			}
		}
	}
}

// turn answers one transcript and speaks the reply.
func (l *Loop) turn(ctx context.Context, text string) error {
	reply, err := l.turns.Handle(ctx, text)
	if err != nil {
		l.logger.Warn("voice turn failed", "error", err)
		return err
	}
	if reply.Text == "" {
		return nil
	}

	if sel, ok := l.speaker.(cloudSelector); ok {
		sel.SetCloudEnabled(reply.TTSModel == chat.TTSCloud)
	}
	language := reply.VoiceLanguage
	if language == "" {
		language = l.lifecycle.Language()
	}

	l.lifecycle.Suspend()
	defer l.lifecycle.Resume()
	if err := l.speaker.Speak(ctx, reply.Text, reply.SpeechSpeed, language); err != nil && ctx.Err() == nil {
		l.logger.Warn("failed to speak reply", "error", err)
	}
	return nil
}
