// Package api serves the assistant over HTTP: dialogue turns, mode and
// course control, voice lifecycle control, a WebSocket event stream and
// the companion device endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/albertojacini/vemorize/internal/buildinfo"
	"github.com/albertojacini/vemorize/internal/chat"
	"github.com/albertojacini/vemorize/internal/command"
	"github.com/albertojacini/vemorize/internal/connwatch"
	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/modes"
	"github.com/albertojacini/vemorize/internal/voice"
)

// Dialogue is the session surface the API drives.
type Dialogue interface {
	Handle(ctx context.Context, input string) (chat.Reply, error)
	SwitchMode(ctx context.Context, mode modes.Mode) (chat.Reply, error)
	LoadCourse(ctx context.Context, id string) (*course.Course, error)
	Mode() modes.Mode
	Course() *course.Course
	Commands() []command.Registration
	Preferences(ctx context.Context) (chat.Preferences, error)
	UpdatePreferences(ctx context.Context, u chat.PreferencesUpdate) (chat.Preferences, error)
	NewConversation(ctx context.Context) (*chat.Conversation, error)
}

// CourseLister lists a user's courses.
type CourseLister interface {
	Courses(ctx context.Context, userID string) ([]course.Course, error)
}

// Voice is the lifecycle surface the API drives.
type Voice interface {
	State() voice.State
	Suspended() bool
	TransitionTo(to voice.State) error
}

// Health reports backend reachability.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Config wires a Server. Voice, Device, Health, Courses and Bus are
// optional; their routes answer 404 or report nothing when unset.
type Config struct {
	Addr     string
	UserID   string
	Dialogue Dialogue
	Courses  CourseLister
	Voice    Voice
	Device   http.Handler
	Health   Health
	Bus      *events.Bus
	Logger   *slog.Logger

	// CourseLoaded is called after a successful course load.
	CourseLoaded func(ctx context.Context, courseID string)
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "api")}
	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the event stream and device socket are long
		// lived and turns may wait on the LLM.
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/courses", s.handleCourses)
	mux.HandleFunc("POST /v1/courses/{id}/load", s.handleLoadCourse)
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/mode", s.handleGetMode)
	mux.HandleFunc("POST /v1/mode", s.handleSetMode)
	mux.HandleFunc("GET /v1/commands", s.handleCommands)
	mux.HandleFunc("GET /v1/preferences", s.handleGetPreferences)
	mux.HandleFunc("PUT /v1/preferences", s.handleUpdatePreferences)
	mux.HandleFunc("POST /v1/conversations", s.handleNewConversation)

	mux.HandleFunc("GET /v1/voice", s.handleVoiceState)
	mux.HandleFunc("POST /v1/voice", s.handleVoiceTransition)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.cfg.Device != nil {
		mux.Handle("GET /v1/device", s.cfg.Device)
	}

	return s.withLogging(mux)
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.cfg.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Calling it before Start makes
// Start return immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v with status code; encode errors mean the client
// went away and are only logged.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "Vemorize",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Current())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var services map[string]connwatch.ServiceStatus
	if s.cfg.Health != nil {
		services = s.cfg.Health.Status()
		if !s.cfg.Health.Healthy() {
			status = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"uptime":   buildinfo.Uptime().Truncate(time.Second).String(),
		"services": services,
	})
}
