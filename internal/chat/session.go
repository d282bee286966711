// Package chat runs a user's dialogue session: it binds a course to the
// reading cursor, routes each turn through the mode controller, keeps
// the conversation log and decides how the reply should be spoken.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/albertojacini/vemorize/internal/command"
	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/llm"
	"github.com/albertojacini/vemorize/internal/modes"
	"github.com/albertojacini/vemorize/internal/navigation"
)

// DefaultLLMTimeout bounds one conversational round trip.
const DefaultLLMTimeout = 30 * time.Second

// ErrClosed is returned by a closed session.
var ErrClosed = errors.New("session closed")

// CourseSource loads courses.
type CourseSource interface {
	Course(ctx context.Context, id string) (*course.Course, error)
	Tree(ctx context.Context, courseID string) (*course.Tree, error)
}

// Reply is the answer to one turn and how to speak it.
type Reply struct {
	Text          string     `json:"text"`
	Mode          modes.Mode `json:"mode"`
	VoiceLanguage string     `json:"voice_language,omitempty"`
	SpeechSpeed   float64    `json:"speech_speed"`
	TTSModel      TTSModel   `json:"tts_model"`
}

// Config configures a Session.
type Config struct {
	UserID        string
	VoiceLanguage string
	LLM           llm.Client
	LLMTimeout    time.Duration
	ExtraPatterns map[string][]string

	Courses       CourseSource
	Positions     navigation.PositionStore
	Conversations *ConversationStore
	Preferences   *PreferencesStore
	Memory        *MemoryStore

	Bus    *events.Bus
	Logger *slog.Logger
}

// Session is one user's dialogue state.
type Session struct {
	cfg    Config
	cursor *navigation.Cursor
	modes  *modes.Controller
	logger *slog.Logger

	// ctx is cancelled by Close and parents every LLM call.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex // guards the fields below; held for a whole turn
	course       *course.Course
	conversation *Conversation
	closed       bool
}

// NewSession builds a session and its mode controller.
func NewSession(cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("chat: user id is required")
	}
	if cfg.Courses == nil || cfg.Positions == nil || cfg.Conversations == nil ||
		cfg.Preferences == nil || cfg.Memory == nil {
		return nil, errors.New("chat: all stores are required")
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultLLMTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", cfg.UserID)

	cursor := navigation.NewCursor(cfg.Positions, logger)
	ctrl, err := modes.New(modes.Config{
		LLM:           cfg.LLM,
		Cursor:        cursor,
		Memory:        cfg.Memory,
		UserID:        cfg.UserID,
		ExtraPatterns: cfg.ExtraPatterns,
		Bus:           cfg.Bus,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:    cfg,
		cursor: cursor,
		modes:  ctrl,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Controller returns the session's mode controller.
func (s *Session) Controller() *modes.Controller { return s.modes }

// Cursor returns the session's reading cursor.
func (s *Session) Cursor() *navigation.Cursor { return s.cursor }

// Mode returns the active mode.
func (s *Session) Mode() modes.Mode { return s.modes.Active() }

// Commands lists the voice command templates of the active mode in
// precedence order.
func (s *Session) Commands() []command.Registration {
	return s.modes.Commands(s.modes.Active())
}

// Course returns the loaded course, or nil.
func (s *Session) Course() *course.Course {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.course
}

// LoadCourse binds a course: restores the reading position, applies the
// reading length preference, resumes the latest conversation and records
// the course in the user's memory.
func (s *Session) LoadCourse(ctx context.Context, courseID string) (*course.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	c, err := s.cfg.Courses.Course(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("load course %s: %w", courseID, err)
	}
	tree, err := s.cfg.Courses.Tree(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("load course %s: %w", courseID, err)
	}
	if err := s.cursor.Load(ctx, s.cfg.UserID, courseID, tree); err != nil {
		return nil, err
	}

	prefs, err := s.cfg.Preferences.Get(ctx, s.cfg.UserID)
	if err != nil {
		return nil, err
	}
	s.cursor.SetReadingLength(prefs.ReadingLength)

	conv, err := s.cfg.Conversations.GetOrCreate(ctx, s.cfg.UserID, courseID)
	if err != nil {
		return nil, err
	}

	if _, err := s.cfg.Memory.Add(ctx, s.cfg.UserID, MemoryCourse, c.Title); err != nil {
		s.logger.Warn("failed to record studied course", "course_id", courseID, "error", err)
	}

	s.course = c
	s.conversation = conv
	s.logger.Info("course loaded", "course_id", courseID, "leaves", len(tree.Leaves()),
		"conversation_id", conv.ID)
	return c, nil
}

// NewConversation starts a fresh conversation for the loaded course.
func (s *Session) NewConversation(ctx context.Context) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.course == nil {
		return nil, navigation.ErrNoCourse
	}
	conv, err := s.cfg.Conversations.Create(ctx, s.cfg.UserID, s.course.ID)
	if err != nil {
		return nil, err
	}
	s.conversation = conv
	return conv, nil
}

// Preferences returns the user's current speech and reading settings.
func (s *Session) Preferences(ctx context.Context) (Preferences, error) {
	return s.cfg.Preferences.Get(ctx, s.cfg.UserID)
}

// UpdatePreferences saves the changed settings. A new reading length
// applies to the next text read from the loaded course.
func (s *Session) UpdatePreferences(ctx context.Context, u PreferencesUpdate) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Preferences{}, ErrClosed
	}
	prefs, err := s.cfg.Preferences.Get(ctx, s.cfg.UserID)
	if err != nil {
		return Preferences{}, err
	}
	prefs = u.Apply(prefs)
	prefs.UserID = s.cfg.UserID
	if err := s.cfg.Preferences.Save(ctx, &prefs); err != nil {
		return Preferences{}, err
	}
	s.cursor.SetReadingLength(prefs.ReadingLength)
	s.logger.Info("preferences updated",
		"tts_model", prefs.TTSModel, "speech_speed", prefs.SpeechSpeed,
		"reading_speech_speed", prefs.ReadingSpeechSpeed, "reading_length", prefs.ReadingLength)
	return prefs, nil
}

// Handle answers one user turn. The only error is ErrClosed; every
// other failure is folded into the reply text.
func (s *Session) Handle(ctx context.Context, input string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, ErrClosed
	}

	input = strings.TrimSpace(input)
	s.record(ctx, RoleHuman, input)

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	resp := s.modes.Handle(turnCtx, input)
	s.record(ctx, RoleAI, resp.Text)

	return s.reply(ctx, resp.Text, resp.Mode), nil
}

// SwitchMode changes the active mode directly and returns the greeting.
func (s *Session) SwitchMode(ctx context.Context, mode modes.Mode) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, ErrClosed
	}
	text, err := s.modes.SwitchTo(ctx, mode)
	if err != nil {
		return Reply{}, err
	}
	return s.reply(ctx, text, mode), nil
}

// reply attaches the speech settings: reading mode uses the reading
// speed preference.
func (s *Session) reply(ctx context.Context, text string, mode modes.Mode) Reply {
	prefs, err := s.cfg.Preferences.Get(ctx, s.cfg.UserID)
	if err != nil {
		s.logger.Warn("preferences unavailable, using defaults", "error", err)
		prefs = DefaultPreferences(s.cfg.UserID)
	}
	speed := prefs.SpeechSpeed
	if mode == modes.Reading {
		speed = prefs.ReadingSpeechSpeed
	}
	return Reply{
		Text:          text,
		Mode:          mode,
		VoiceLanguage: s.cfg.VoiceLanguage,
		SpeechSpeed:   speed,
		TTSModel:      prefs.TTSModel,
	}
}

func (s *Session) record(ctx context.Context, role Role, content string) {
	if s.conversation == nil || content == "" {
		return
	}
	if _, err := s.cfg.Conversations.Append(ctx, s.conversation.ID, role, content); err != nil {
		s.logger.Warn("failed to record message", "role", role, "error", err)
	}
}

// Close cancels any in-flight LLM call and rejects further turns.
func (s *Session) Close() {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
