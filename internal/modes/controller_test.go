package modes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/llm"
)

// fakeLLM returns a canned response and records requests.
type fakeLLM struct {
	mu    sync.Mutex
	resp  *llm.Response
	err   error
	panic bool
	reqs  []llm.Request
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeLLM) Converse(ctx context.Context, req llm.Request) (*llm.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.panic {
		panic("backend exploded")
	}
	return f.resp, f.err
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeLLM) last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// fakeNav is an in-memory leaf sequence.
type fakeNav struct {
	leaves  []*course.Node
	pos     int
	loaded  bool
	stepErr error
}

func newFakeNav(texts ...string) *fakeNav {
	n := &fakeNav{loaded: true}
	for i, text := range texts {
		n.leaves = append(n.leaves, &course.Node{
			ID:                 string(rune('A' + i)),
			Kind:               course.Leaf,
			ReadingTextRegular: text,
		})
	}
	return n
}

func (n *fakeNav) Loaded() bool     { return n.loaded }
func (n *fakeNav) CourseID() string { return "course-1" }

func (n *fakeNav) Current() *course.Node {
	if !n.loaded || len(n.leaves) == 0 {
		return nil
	}
	return n.leaves[n.pos]
}

func (n *fakeNav) ReadingText() (string, bool) {
	return n.Current().ReadingText(course.Regular)
}

func (n *fakeNav) Step(_ context.Context, delta int) (*course.Node, error) {
	if n.stepErr != nil {
		return nil, n.stepErr
	}
	target := n.pos + delta
	if target < 0 || target >= len(n.leaves) {
		return nil, nil
	}
	n.pos = target
	return n.leaves[target], nil
}

type fakeMemory string

func (m fakeMemory) Summary(context.Context, string) string { return string(m) }

func newController(t *testing.T, client llm.Client, nav Navigator) *Controller {
	t.Helper()
	c, err := New(Config{LLM: client, Cursor: nav, UserID: "user-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func toolResponse(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{Success: true, ToolCalls: calls}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Cursor: newFakeNav()}); err == nil {
		t.Error("missing LLM should fail")
	}
	if _, err := New(Config{LLM: &fakeLLM{}}); err == nil {
		t.Error("missing navigator should fail")
	}

	c := newController(t, &fakeLLM{}, newFakeNav())
	if c.Active() != Idle {
		t.Errorf("initial mode = %s, want IDLE", c.Active())
	}
	regs := c.Commands(Reading)
	if len(regs) == 0 || regs[0].Command != "switch_mode" {
		t.Errorf("reading commands = %v", regs)
	}
}

func TestNew_ExtraPatterns(t *testing.T) {
	nav := newFakeNav("one", "two")
	client := &fakeLLM{}
	c, err := New(Config{
		LLM:           client,
		Cursor:        nav,
		ExtraPatterns: map[string][]string{"next_content": {"go on", "keep going"}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.SwitchTo(context.Background(), Reading); err != nil {
		t.Fatal(err)
	}
	resp := c.Handle(context.Background(), "Go on!")
	if resp.Command != "next_content" || resp.Text != "two" {
		t.Errorf("resp = %+v", resp)
	}
	if client.calls() != 0 {
		t.Error("command path must not call the LLM")
	}

	tests := map[string]map[string][]string{
		"unknown command":  {"fly_away": {"fly"}},
		"invalid template": {"next_content": {"jump {count}"}},
	}
	for name, extra := range tests {
		if _, err := New(Config{LLM: client, Cursor: nav, ExtraPatterns: extra}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestHandle_SwitchModeCommand(t *testing.T) {
	client := &fakeLLM{}
	c := newController(t, client, newFakeNav("Cells are the unit of life."))

	resp := c.Handle(context.Background(), "Switch To Reading")
	if resp.Path != PathCommand || resp.Command != "switch_mode" {
		t.Fatalf("resp = %+v", resp)
	}
	if c.Active() != Reading || resp.Mode != Reading {
		t.Errorf("active = %s, want READING", c.Active())
	}
	if resp.Text != "Cells are the unit of life." {
		t.Errorf("greeting = %q", resp.Text)
	}
	if client.calls() != 0 {
		t.Error("command path must not call the LLM")
	}

	resp = c.Handle(context.Background(), "switch to banana")
	if resp.Text != "Unknown mode: banana" || c.Active() != Reading {
		t.Errorf("resp = %+v, active = %s", resp, c.Active())
	}
}

func TestHandle_ToolSwitchFallsBackToNewModeDefault(t *testing.T) {
	client := &fakeLLM{resp: toolResponse(llm.ToolCall{
		Name: "switch_mode",
		Args: map[string]any{"targetMode": "quiz"},
	})}
	c := newController(t, client, newFakeNav("text"))

	resp := c.Handle(context.Background(), "let's see what I remember")
	if resp.Path != PathLLM {
		t.Fatalf("path = %s, want llm", resp.Path)
	}
	if c.Active() != Quiz {
		t.Errorf("active = %s, want QUIZ", c.Active())
	}
	if resp.Text != quizDefault {
		t.Errorf("text = %q, want %q", resp.Text, quizDefault)
	}

	req := client.last()
	if req.Mode != "idle" || req.UserID != "user-1" || req.CourseID != "course-1" {
		t.Errorf("request = %+v", req)
	}
	if strings.Join(req.ToolNames, ",") != "provide_chat_response,switch_mode" {
		t.Errorf("idle tools = %v", req.ToolNames)
	}
}

func TestHandle_ReplyExtracted(t *testing.T) {
	client := &fakeLLM{resp: toolResponse(
		llm.ToolCall{Name: "next_content"},
		llm.ToolCall{Name: llm.ReplyTool, Args: map[string]any{"response": "Moving on."}},
	)}
	nav := newFakeNav("first", "second")
	c := newController(t, client, nav)
	if _, err := c.SwitchTo(context.Background(), Reading); err != nil {
		t.Fatal(err)
	}

	resp := c.Handle(context.Background(), "what comes after this")
	if resp.Text != "Moving on." {
		t.Errorf("text = %q", resp.Text)
	}
	if nav.pos != 1 {
		t.Errorf("next_content tool did not move the cursor")
	}
	if got := client.last().LeafText; got != "first" {
		t.Errorf("leaf text = %q, want the text before the move", got)
	}
}

func TestHandle_ToolNotOfferedInModeIsDropped(t *testing.T) {
	client := &fakeLLM{resp: toolResponse(
		llm.ToolCall{Name: "next_content"},
		llm.ToolCall{Name: llm.ReplyTool, Args: map[string]any{"response": "Sure."}},
	)}
	nav := newFakeNav("first", "second")
	c := newController(t, client, nav)

	resp := c.Handle(context.Background(), "skip ahead for me")
	if resp.Path != PathLLM || resp.Text != "Sure." {
		t.Errorf("resp = %+v, want the reply from the offered tool", resp)
	}
	if nav.pos != 0 {
		t.Errorf("cursor moved to %d from idle mode", nav.pos)
	}
	if c.Active() != Idle {
		t.Errorf("active = %s, want IDLE", c.Active())
	}
}

func TestHandle_LeafTextAndMemory(t *testing.T) {
	client := &fakeLLM{resp: toolResponse()}
	nav := newFakeNav("")
	c, err := New(Config{LLM: client, Cursor: nav, Memory: fakeMemory("Goals: biology")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SwitchTo(context.Background(), Reading); err != nil {
		t.Fatal(err)
	}

	resp := c.Handle(context.Background(), "explain this")
	if resp.Text != readingDefault {
		t.Errorf("text = %q, want reading default", resp.Text)
	}
	req := client.last()
	if req.LeafText != "No content available" {
		t.Errorf("leaf text = %q", req.LeafText)
	}
	if req.UserMemory != "Goals: biology" {
		t.Errorf("memory = %q", req.UserMemory)
	}
	if len(req.ToolNames) != 5 {
		t.Errorf("reading tools = %v", req.ToolNames)
	}
}

func TestHandle_FailuresBecomeApologies(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeLLM
		mode   Mode
		want   string
	}{
		{name: "transport error idle", client: &fakeLLM{err: errors.New("dial tcp: refused")}, mode: Idle, want: idleApology},
		{name: "unsuccessful reading", client: &fakeLLM{resp: &llm.Response{Success: false, Error: "quota"}}, mode: Reading, want: readingApology},
		{name: "nil response quiz", client: &fakeLLM{}, mode: Quiz, want: quizApology},
		{name: "panic", client: &fakeLLM{panic: true}, mode: Idle, want: idleApology},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(t, tt.client, newFakeNav("x"))
			if _, err := c.SwitchTo(context.Background(), tt.mode); err != nil {
				t.Fatal(err)
			}
			resp := c.Handle(context.Background(), "tell me something")
			if resp.Text != tt.want || resp.Path != PathError {
				t.Errorf("resp = %+v, want apology %q", resp, tt.want)
			}
			if c.Active() != tt.mode {
				t.Errorf("mode changed to %s", c.Active())
			}
		})
	}
}

func TestHandle_PanickingToolHandler(t *testing.T) {
	client := &fakeLLM{resp: toolResponse(llm.ToolCall{Name: "next_content"})}
	c := newController(t, client, &panicNav{fakeNav: newFakeNav("a", "b")})
	if _, err := c.SwitchTo(context.Background(), Reading); err != nil {
		t.Fatal(err)
	}
	if resp := c.Handle(context.Background(), "onwards"); resp.Text != readingApology {
		t.Errorf("text = %q, want reading apology", resp.Text)
	}
}

type panicNav struct{ *fakeNav }

func (p *panicNav) Step(context.Context, int) (*course.Node, error) { panic("cursor corrupted") }

func TestHandle_ReadingCommands(t *testing.T) {
	nav := newFakeNav("one", "two", "three", "four")
	nav.leaves[2].QuizQuestions = []string{"What is three?"}
	c := newController(t, &fakeLLM{}, nav)
	ctx := context.Background()
	if _, err := c.SwitchTo(ctx, Reading); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		input   string
		command string
		want    string
		mode    Mode
	}{
		{"back", "previous_content", atStart, Reading},
		{"next", "next_content", "two", Reading},
		{"read", "read_current", "two", Reading},
		{"skip two", "skip_content", "four", Reading},
		{"next page", "next_content", atEnd, Reading},
		{"previous", "previous_content", "three", Reading},
		{"help", "reading_help", "You can say: next, previous, read current, or switch to another mode.", Reading},
		{"back to idle", "stop_reading", "Switched to Idle mode. What would you like to do?", Idle},
		{"switch to quiz", "switch_mode", quizGreeting, Quiz},
		{"start quiz", "start_quiz", "Starting quiz. What is three?", Quiz},
		{"quit", "stop_quiz", "Quiz stopped. Returning to idle mode.", Idle},
	}

	for _, s := range steps {
		resp := c.Handle(ctx, s.input)
		if resp.Command != s.command || resp.Text != s.want || resp.Mode != s.mode {
			t.Errorf("%q: got {%s %q %s}, want {%s %q %s}",
				s.input, resp.Command, resp.Text, resp.Mode, s.command, s.want, s.mode)
		}
	}
}

func TestHandle_NoCourse(t *testing.T) {
	nav := newFakeNav()
	nav.loaded = false
	c := newController(t, &fakeLLM{}, nav)
	ctx := context.Background()

	if got, _ := c.SwitchTo(ctx, Reading); got != noContentRead {
		t.Errorf("reading greeting = %q", got)
	}
	if resp := c.Handle(ctx, "next"); resp.Text != noCourse {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestHandle_StepErrorIsApology(t *testing.T) {
	nav := newFakeNav("a", "b")
	nav.stepErr = errors.New("database is locked")
	c := newController(t, &fakeLLM{}, nav)
	if _, err := c.SwitchTo(context.Background(), Reading); err != nil {
		t.Fatal(err)
	}
	if resp := c.Handle(context.Background(), "next"); resp.Text != readingApology || resp.Path != PathError {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandle_TurnsAreSerialized(t *testing.T) {
	client := &fakeLLM{resp: toolResponse(), delay: 10 * time.Millisecond}
	c := newController(t, client, newFakeNav("x"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Handle(context.Background(), "hello there")
		}()
	}
	wg.Wait()

	if got := client.maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent LLM calls = %d, want 1", got)
	}
	if client.calls() != 5 {
		t.Errorf("calls = %d, want 5", client.calls())
	}
}

func TestSwitchTo_EmitsModeChanged(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	c, err := New(Config{LLM: &fakeLLM{}, Cursor: newFakeNav("x"), Bus: bus})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.SwitchTo(context.Background(), Quiz); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SwitchTo(context.Background(), Quiz); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SwitchTo(context.Background(), Mode("DANCE")); err == nil {
		t.Error("unknown mode should fail")
	}

	changes := 0
drain:
	for {
		select {
		case e := <-ch:
			if e.Kind == events.KindModeChanged {
				changes++
				if e.Data["to"] != "quiz" {
					t.Errorf("to = %v", e.Data["to"])
				}
			}
		default:
			break drain
		}
	}
	if changes != 1 {
		t.Errorf("mode_changed events = %d, want 1", changes)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"idle", "READING", " Quiz "} {
		if _, err := ParseMode(s); err != nil {
			t.Errorf("ParseMode(%q): %v", s, err)
		}
	}
	if _, err := ParseMode("sleep"); err == nil {
		t.Error("ParseMode(sleep) should fail")
	}
	if Reading.Title() != "Reading" || Quiz.Lower() != "quiz" {
		t.Error("mode names")
	}
}
