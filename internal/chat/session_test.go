package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/llm"
	"github.com/albertojacini/vemorize/internal/modes"
	"github.com/albertojacini/vemorize/internal/navigation"
)

// scriptedLLM replies with a fixed tool call, or blocks until the call
// is cancelled when block is set.
type scriptedLLM struct {
	reply   string
	block   bool
	entered chan struct{}
	reqs    []llm.Request
}

func (s *scriptedLLM) Converse(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.reqs = append(s.reqs, req)
	if s.block {
		close(s.entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &llm.Response{
		Success: true,
		ToolCalls: []llm.ToolCall{{
			Name: llm.ReplyTool,
			Args: map[string]any{"response": s.reply},
		}},
	}, nil
}

type testEnv struct {
	cfg           Config
	conversations *ConversationStore
	preferences   *PreferencesStore
	memory        *MemoryStore
}

func newTestEnv(t *testing.T, client llm.Client) *testEnv {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()

	courses, err := course.NewStore(db)
	if err != nil {
		t.Fatalf("course store: %v", err)
	}
	nodes := []course.Node{
		{ID: "root", Kind: course.Container, Title: "Biology"},
		{ID: "L1", ParentID: "root", Kind: course.Leaf, OrderIndex: 1,
			ReadingTextRegular: "Cells are the units of life.", ReadingTextShort: "Cells."},
		{ID: "L2", ParentID: "root", Kind: course.Leaf, OrderIndex: 2,
			ReadingTextRegular: "Mitochondria make energy.", ReadingTextShort: "Mitochondria."},
		{ID: "L3", ParentID: "root", Kind: course.Leaf, OrderIndex: 3,
			ReadingTextRegular: "Ribosomes build proteins."},
	}
	if err := courses.SaveCourse(ctx, &course.Course{ID: "bio", UserID: "u1", Title: "Biology"}, nodes); err != nil {
		t.Fatalf("SaveCourse: %v", err)
	}
	positions, err := navigation.NewStore(db)
	if err != nil {
		t.Fatalf("navigation store: %v", err)
	}
	conversations, err := NewConversationStore(db)
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}
	preferences, err := NewPreferencesStore(db)
	if err != nil {
		t.Fatalf("preferences store: %v", err)
	}
	memory, err := NewMemoryStore(db, discardLogger())
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}

	return &testEnv{
		cfg: Config{
			UserID:        "u1",
			VoiceLanguage: "en-US",
			LLM:           client,
			Courses:       courses,
			Positions:     positions,
			Conversations: conversations,
			Preferences:   preferences,
			Memory:        memory,
			Logger:        discardLogger(),
		},
		conversations: conversations,
		preferences:   preferences,
		memory:        memory,
	}
}

func (e *testEnv) session(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(e.cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestNewSession_Validation(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})

	cfg := env.cfg
	cfg.UserID = ""
	if _, err := NewSession(cfg); err == nil {
		t.Error("missing user id should fail")
	}
	cfg = env.cfg
	cfg.Memory = nil
	if _, err := NewSession(cfg); err == nil {
		t.Error("missing memory store should fail")
	}
	cfg = env.cfg
	cfg.LLM = nil
	if _, err := NewSession(cfg); err == nil {
		t.Error("missing LLM should fail")
	}
}

func TestSession_ReadingFlow(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	ctx := context.Background()

	prefs := DefaultPreferences("u1")
	prefs.ReadingSpeechSpeed = 1.5
	prefs.ReadingLength = course.Short
	if err := env.preferences.Save(ctx, &prefs); err != nil {
		t.Fatalf("Save preferences: %v", err)
	}

	s := env.session(t)
	if _, err := s.LoadCourse(ctx, "bio"); err != nil {
		t.Fatalf("LoadCourse: %v", err)
	}

	reply, err := s.Handle(ctx, "switch to reading")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Cells." || reply.Mode != modes.Reading {
		t.Errorf("reply = %+v, want short L1 text in reading mode", reply)
	}
	if reply.SpeechSpeed != 1.5 || reply.VoiceLanguage != "en-US" {
		t.Errorf("speech settings = %v %q, want 1.5 en-US", reply.SpeechSpeed, reply.VoiceLanguage)
	}

	reply, err = s.Handle(ctx, "next")
	if err != nil {
		t.Fatalf("Handle(next): %v", err)
	}
	if reply.Text != "Mitochondria." {
		t.Errorf("next = %q, want short L2 text", reply.Text)
	}

	// L3 has no short variant; the regular text is not substituted.
	reply, err = s.Handle(ctx, "next")
	if err != nil {
		t.Fatalf("Handle(next): %v", err)
	}
	if reply.Text != "No content available to read" {
		t.Errorf("next at L3 = %q, want no content", reply.Text)
	}

	reply, err = s.Handle(ctx, "previous")
	if err != nil {
		t.Fatalf("Handle(previous): %v", err)
	}
	if reply.Text != "Mitochondria." {
		t.Errorf("previous = %q, want short L2 text", reply.Text)
	}

	reply, err = s.Handle(ctx, "stop")
	if err != nil {
		t.Fatalf("Handle(stop): %v", err)
	}
	if reply.Mode != modes.Idle || reply.SpeechSpeed != 1.0 {
		t.Errorf("stop reply = %+v, want idle at normal speed", reply)
	}

	// The position survives a new session.
	s2 := env.session(t)
	if _, err := s2.LoadCourse(ctx, "bio"); err != nil {
		t.Fatalf("LoadCourse again: %v", err)
	}
	if cur := s2.Cursor().Current(); cur == nil || cur.ID != "L2" {
		t.Errorf("restored leaf = %+v, want L2", cur)
	}
}

func TestSession_RecordsConversationAndMemory(t *testing.T) {
	client := &scriptedLLM{reply: "Cells are small."}
	env := newTestEnv(t, client)
	ctx := context.Background()

	s := env.session(t)
	if _, err := s.LoadCourse(ctx, "bio"); err != nil {
		t.Fatalf("LoadCourse: %v", err)
	}

	reply, err := s.Handle(ctx, "what is a cell")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Cells are small." {
		t.Errorf("reply = %q", reply.Text)
	}
	if len(client.reqs) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(client.reqs))
	}
	req := client.reqs[0]
	if req.CourseID != "bio" || req.UserID != "u1" {
		t.Errorf("request ids = %q %q", req.CourseID, req.UserID)
	}
	if req.UserMemory != "Courses studied: Biology" {
		t.Errorf("UserMemory = %q", req.UserMemory)
	}

	conv, err := env.conversations.Latest(ctx, "u1", "bio")
	if err != nil || conv == nil {
		t.Fatalf("Latest = %v, %v", conv, err)
	}
	msgs, err := env.conversations.Messages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleHuman || msgs[1].Content != "Cells are small." {
		t.Errorf("messages = %+v", msgs)
	}

	fresh, err := s.NewConversation(ctx)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	if fresh.ID == conv.ID {
		t.Error("NewConversation reused the previous conversation")
	}
}

func TestSession_LoadCourseErrors(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	s := env.session(t)
	ctx := context.Background()

	if _, err := s.LoadCourse(ctx, "missing"); !errors.Is(err, course.ErrNotFound) {
		t.Errorf("LoadCourse(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.NewConversation(ctx); !errors.Is(err, navigation.ErrNoCourse) {
		t.Errorf("NewConversation without course error = %v, want ErrNoCourse", err)
	}
}

func TestSession_SwitchMode(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	s := env.session(t)

	reply, err := s.SwitchMode(context.Background(), modes.Quiz)
	if err != nil {
		t.Fatalf("SwitchMode: %v", err)
	}
	if reply.Mode != modes.Quiz || s.Mode() != modes.Quiz || reply.Text == "" {
		t.Errorf("reply = %+v, mode = %s", reply, s.Mode())
	}
	found := false
	for _, r := range s.Commands() {
		if r.Command == "start_quiz" {
			found = true
		}
	}
	if !found {
		t.Errorf("quiz commands = %v, want start_quiz listed", s.Commands())
	}
	if _, err := s.SwitchMode(context.Background(), modes.Mode("DANCING")); err == nil {
		t.Error("SwitchMode accepted an unknown mode")
	}
}

func TestSession_CloseCancelsInFlightCall(t *testing.T) {
	client := &scriptedLLM{block: true, entered: make(chan struct{})}
	env := newTestEnv(t, client)
	s := env.session(t)

	done := make(chan Reply, 1)
	go func() {
		reply, _ := s.Handle(context.Background(), "tell me about cells")
		done <- reply
	}()

	select {
	case <-client.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("LLM call never started")
	}
	s.Close()

	select {
	case reply := <-done:
		if reply.Text != "Sorry, I encountered an error. Please try again." {
			t.Errorf("reply after cancel = %q, want idle apology", reply.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after Close")
	}

	if _, err := s.Handle(context.Background(), "hello"); !errors.Is(err, ErrClosed) {
		t.Errorf("Handle after Close error = %v, want ErrClosed", err)
	}
}

func TestSession_LLMTimeout(t *testing.T) {
	client := &scriptedLLM{block: true, entered: make(chan struct{})}
	env := newTestEnv(t, client)
	env.cfg.LLMTimeout = 20 * time.Millisecond
	s := env.session(t)

	reply, err := s.Handle(context.Background(), "tell me about cells")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Sorry, I encountered an error. Please try again." {
		t.Errorf("reply after timeout = %q, want idle apology", reply.Text)
	}
}

func TestSession_UpdatePreferences(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	ctx := context.Background()
	s := env.session(t)
	if _, err := s.LoadCourse(ctx, "bio"); err != nil {
		t.Fatalf("LoadCourse: %v", err)
	}

	cloud := TTSCloud
	short := "short"
	prefs, err := s.UpdatePreferences(ctx, PreferencesUpdate{TTSModel: &cloud, ReadingLength: &short})
	if err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	if prefs.TTSModel != TTSCloud || prefs.ReadingLength != course.Short || prefs.SpeechSpeed != 1.0 {
		t.Errorf("prefs = %+v", prefs)
	}
	if got, _ := s.Preferences(ctx); got.ReadingLength != course.Short {
		t.Errorf("stored reading length = %q, want SHORT", got.ReadingLength)
	}

	// The new length applies without reloading the course.
	reply, err := s.Handle(ctx, "switch to reading")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.Text != "Cells." || reply.TTSModel != TTSCloud {
		t.Errorf("reply = %+v, want short text spoken by the cloud voice", reply)
	}

	tooFast := 9.0
	if _, err := s.UpdatePreferences(ctx, PreferencesUpdate{SpeechSpeed: &tooFast}); !errors.Is(err, ErrInvalidPreferences) {
		t.Errorf("out-of-range speed error = %v, want ErrInvalidPreferences", err)
	}
	if got, _ := s.Preferences(ctx); got.SpeechSpeed != 1.0 {
		t.Errorf("speech speed after rejected update = %v, want 1.0", got.SpeechSpeed)
	}

	s.Close()
	if _, err := s.UpdatePreferences(ctx, PreferencesUpdate{TTSModel: &cloud}); !errors.Is(err, ErrClosed) {
		t.Errorf("closed session error = %v, want ErrClosed", err)
	}
}
