package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/albertojacini/vemorize/internal/chat"
	"github.com/albertojacini/vemorize/internal/command"
	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/modes"
	"github.com/albertojacini/vemorize/internal/navigation"
	"github.com/albertojacini/vemorize/internal/voice"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	Input string `json:"input"`
}

// ModeRequest is the body of POST /v1/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// VoiceRequest is the body of POST /v1/voice.
type VoiceRequest struct {
	State string `json:"state"`
}

// VoiceStatus describes the voice lifecycle.
type VoiceStatus struct {
	State     voice.State `json:"state"`
	Display   string      `json:"display"`
	Suspended bool        `json:"suspended"`
}

// ModeStatus describes the dialogue state.
type ModeStatus struct {
	Mode   string         `json:"mode"`
	Course *course.Course `json:"course,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		s.errorResponse(w, http.StatusBadRequest, "input is required")
		return
	}

	reply, err := s.cfg.Dialogue.Handle(r.Context(), req.Input)
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ModeStatus{
		Mode:   s.cfg.Dialogue.Mode().Lower(),
		Course: s.cfg.Dialogue.Course(),
	})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	mode, err := modes.ParseMode(req.Mode)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	reply, err := s.cfg.Dialogue.SwitchMode(r.Context(), mode)
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

// CommandsStatus lists the voice commands usable in the current mode.
type CommandsStatus struct {
	Mode     string                 `json:"mode"`
	Commands []command.Registration `json:"commands"`
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	regs := s.cfg.Dialogue.Commands()
	if regs == nil {
		regs = []command.Registration{}
	}
	s.writeJSON(w, http.StatusOK, CommandsStatus{Mode: s.cfg.Dialogue.Mode().Lower(), Commands: regs})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Courses == nil {
		s.errorResponse(w, http.StatusNotFound, "course listing not available")
		return
	}
	courses, err := s.cfg.Courses.Courses(r.Context(), s.cfg.UserID)
	if err != nil {
		s.logger.Error("list courses failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list courses")
		return
	}
	if courses == nil {
		courses = []course.Course{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"courses": courses})
}

func (s *Server) handleLoadCourse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.cfg.Dialogue.LoadCourse(r.Context(), id)
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	if s.cfg.CourseLoaded != nil {
		s.cfg.CourseLoaded(r.Context(), c.ID)
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.cfg.Dialogue.Preferences(r.Context())
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req chat.PreferencesUpdate
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Empty() {
		s.errorResponse(w, http.StatusBadRequest, "no preference to change")
		return
	}
	prefs, err := s.cfg.Dialogue.UpdatePreferences(r.Context(), req)
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.cfg.Dialogue.NewConversation(r.Context())
	if err != nil {
		s.dialogueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) dialogueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, course.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrInvalidPreferences):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, navigation.ErrNoCourse):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("dialogue request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleVoiceState(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Voice == nil {
		s.errorResponse(w, http.StatusNotFound, "voice is not enabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.voiceStatus())
}

func (s *Server) handleVoiceTransition(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Voice == nil {
		s.errorResponse(w, http.StatusNotFound, "voice is not enabled")
		return
	}
	var req VoiceRequest
	if err := decode(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	to, err := voice.ParseState(req.State)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.cfg.Voice.TransitionTo(to); err != nil {
		var illegal *voice.IllegalTransitionError
		if errors.As(err, &illegal) {
			s.errorResponse(w, http.StatusConflict, err.Error())
			return
		}
		// The state changed but a provider failed to start or stop.
		s.logger.Warn("voice provider error during transition", "to", to, "error", err)
	}
	s.writeJSON(w, http.StatusOK, s.voiceStatus())
}

func (s *Server) voiceStatus() VoiceStatus {
	st := s.cfg.Voice.State()
	return VoiceStatus{State: st, Display: st.DisplayName(), Suspended: s.cfg.Voice.Suspended()}
}
