package modes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/albertojacini/vemorize/internal/command"
	"github.com/albertojacini/vemorize/internal/course"
	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/llm"
	"github.com/albertojacini/vemorize/internal/tools"
)

// Navigator is the reading position the controller reads and moves.
type Navigator interface {
	Loaded() bool
	CourseID() string
	Current() *course.Node
	ReadingText() (string, bool)
	Step(ctx context.Context, delta int) (*course.Node, error)
}

// MemorySource supplies the short user summary sent with LLM turns.
type MemorySource interface {
	Summary(ctx context.Context, userID string) string
}

// Config configures a Controller.
type Config struct {
	LLM    llm.Client
	Cursor Navigator
	// Memory is optional.
	Memory MemorySource
	UserID string
	// ExtraPatterns appends templates to existing commands by name, in
	// every mode that has the command. They rank after the built-in
	// templates.
	ExtraPatterns map[string][]string
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Path tells how a turn was answered.
type Path string

const (
	PathCommand Path = "command"
	PathLLM     Path = "llm"
	PathError   Path = "error"
)

// Response is the outcome of one turn. Text is never empty.
type Response struct {
	Text string
	// Mode is the active mode after the turn.
	Mode    Mode
	Path    Path
	Command string
}

type modeState struct {
	mode     Mode
	cfg      modeConfig
	matcher  *command.Matcher
	commands map[string]Command
}

// Controller holds the active mode and answers turns in it.
type Controller struct {
	llm    llm.Client
	cursor Navigator
	memory MemorySource
	userID string
	tools  *tools.Registry
	states map[Mode]*modeState
	bus    *events.Bus
	logger *slog.Logger

	turnMu sync.Mutex // serializes Handle

	mu     sync.RWMutex
	active Mode
}

// New builds the three modes with their command tables and tool
// allowlists. The controller starts in Idle. An invalid command
// template is a configuration error.
func New(cfg Config) (*Controller, error) {
	if cfg.LLM == nil {
		return nil, errors.New("modes: LLM client is required")
	}
	if cfg.Cursor == nil {
		return nil, errors.New("modes: navigator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		llm:    cfg.LLM,
		cursor: cfg.Cursor,
		memory: cfg.Memory,
		userID: cfg.UserID,
		states: make(map[Mode]*modeState, len(All)),
		bus:    cfg.Bus,
		logger: logger,
		active: Idle,
	}

	c.tools = tools.NewRegistry(cfg.Bus, logger)
	if err := tools.RegisterBuiltins(c.tools, c); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	for mode, mc := range modeConfigs() {
		st := &modeState{
			mode:     mode,
			cfg:      mc,
			matcher:  command.NewMatcher(),
			commands: make(map[string]Command, len(mc.commands)),
		}
		for _, cmd := range mc.commands {
			if err := st.matcher.Register(cmd.Name, cmd.Patterns...); err != nil {
				return nil, fmt.Errorf("%s mode: command %s: %w", mode.Lower(), cmd.Name, err)
			}
			st.commands[cmd.Name] = cmd
		}
		c.states[mode] = st
	}

	if err := c.addExtraPatterns(cfg.ExtraPatterns); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) addExtraPatterns(extra map[string][]string) error {
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		found := false
		for _, mode := range All {
			st := c.states[mode]
			if _, ok := st.commands[name]; !ok {
				continue
			}
			found = true
			if err := st.matcher.Register(name, extra[name]...); err != nil {
				return fmt.Errorf("extra patterns for %s: %w", name, err)
			}
		}
		if !found {
			return fmt.Errorf("extra patterns: unknown command %q", name)
		}
	}
	return nil
}

// Active returns the active mode.
func (c *Controller) Active() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Commands lists the templates registered in a mode, in precedence
// order.
func (c *Controller) Commands(mode Mode) []command.Registration {
	st, ok := c.states[mode]
	if !ok {
		return nil
	}
	return st.matcher.Registered()
}

func (c *Controller) current() *modeState {
	return c.states[c.Active()]
}

// SwitchTo makes mode active and returns its greeting. It is the only
// way the active mode changes.
func (c *Controller) SwitchTo(ctx context.Context, mode Mode) (string, error) {
	if _, ok := c.states[mode]; !ok {
		return "", fmt.Errorf("unknown mode %q", mode)
	}

	c.mu.Lock()
	from := c.active
	c.active = mode
	c.mu.Unlock()

	if from != mode {
		c.logger.Info("mode changed", "from", from.Lower(), "to", mode.Lower())
		c.bus.Emit(events.SourceChat, events.KindModeChanged, map[string]any{
			"from": from.Lower(),
			"to":   mode.Lower(),
		})
	}
	return c.greeting(mode), nil
}

func (c *Controller) greeting(mode Mode) string {
	switch mode {
	case Reading:
		if text, ok := c.cursor.ReadingText(); ok {
			return text
		}
		return noContentRead
	case Quiz:
		return quizGreeting
	default:
		return idleGreeting
	}
}

// Handle answers one turn. Turns are serialized. Failures of the LLM
// round trip or of tool handlers become the mode's apology; Handle never
// fails.
func (c *Controller) Handle(ctx context.Context, input string) (resp Response) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	turnID := uuid.NewString()
	start := time.Now()
	st := c.current()

	c.bus.Emit(events.SourceChat, events.KindTurnStart, map[string]any{
		"turn_id":   turnID,
		"mode":      st.mode.Lower(),
		"input_len": len(input),
	})
	defer func() {
		c.bus.Emit(events.SourceChat, events.KindTurnComplete, map[string]any{
			"turn_id":    turnID,
			"path":       string(resp.Path),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}()

	if m := st.matcher.Match(input); m != nil {
		return c.runCommand(ctx, turnID, st, m)
	}
	return c.converse(ctx, turnID, st, input)
}

func (c *Controller) runCommand(ctx context.Context, turnID string, st *modeState, m *command.Match) Response {
	cmd, ok := st.commands[m.Command]
	if !ok {
		return Response{Text: cmdNotFound, Mode: c.Active(), Path: PathCommand, Command: m.Command}
	}

	c.logger.Debug("command matched", "turn_id", turnID, "mode", st.mode.Lower(),
		"command", m.Command, "pattern", m.Pattern)
	c.bus.Emit(events.SourceChat, events.KindCommandMatched, map[string]any{
		"turn_id": turnID,
		"mode":    st.mode.Lower(),
		"command": m.Command,
	})

	text, err := safeRun(func() (string, error) { return cmd.Run(ctx, c, m) })
	if err != nil || text == "" {
		c.logger.Warn("command failed", "turn_id", turnID, "command", m.Command, "error", err)
		return Response{Text: st.cfg.apology, Mode: c.Active(), Path: PathError, Command: m.Command}
	}
	return Response{Text: text, Mode: c.Active(), Path: PathCommand, Command: m.Command}
}

// offeredCalls drops tool calls for tools the mode did not offer. The
// model sometimes names tools from other modes.
func (c *Controller) offeredCalls(turnID string, st *modeState, calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		if !slices.Contains(st.cfg.tools, call.Name) {
			c.logger.Debug("dropping tool call not offered in mode",
				"turn_id", turnID, "mode", st.mode.Lower(), "tool", call.Name)
			continue
		}
		out = append(out, call)
	}
	return out
}

func (c *Controller) converse(ctx context.Context, turnID string, st *modeState, input string) Response {
	req := llm.Request{
		UserMessage: input,
		ToolNames:   st.cfg.tools,
		Mode:        st.mode.Lower(),
		UserID:      c.userID,
		CourseID:    c.cursor.CourseID(),
	}
	if c.memory != nil {
		req.UserMemory = c.memory.Summary(ctx, c.userID)
	}
	if st.mode == Reading {
		req.LeafText = noContentLLM
		if text, ok := c.cursor.ReadingText(); ok {
			req.LeafText = text
		}
	}

	c.bus.Emit(events.SourceChat, events.KindLLMCall, map[string]any{
		"turn_id": turnID,
		"mode":    st.mode.Lower(),
		"tools":   len(req.ToolNames),
	})
	callStart := time.Now()
	calls, inTok, outTok := 0, 0, 0

	text, err := safeRun(func() (string, error) {
		resp, err := c.llm.Converse(ctx, req)
		if err != nil {
			return "", err
		}
		if resp == nil {
			return "", errors.New("empty LLM response")
		}
		if !resp.Success {
			return "", fmt.Errorf("LLM reported failure: %s", resp.Error)
		}
		calls = len(resp.ToolCalls)
		inTok, outTok = resp.InputTokens, resp.OutputTokens
		allowed := c.offeredCalls(turnID, st, resp.ToolCalls)
		c.tools.ExecuteAll(ctx, allowed)
		return c.tools.ExtractReply(ctx, allowed), nil
	})

	c.bus.Emit(events.SourceChat, events.KindLLMResponse, map[string]any{
		"turn_id":       turnID,
		"ok":            err == nil,
		"tool_calls":    calls,
		"input_tokens":  inTok,
		"output_tokens": outTok,
		"duration_ms":   time.Since(callStart).Milliseconds(),
	})

	if err != nil {
		c.logger.Error("conversation turn failed", "turn_id", turnID, "mode", st.mode.Lower(), "error", err)
		return Response{Text: st.cfg.apology, Mode: c.Active(), Path: PathError}
	}

	if text == "" {
		text = c.current().cfg.fallback
	}
	return Response{Text: text, Mode: c.Active(), Path: PathLLM}
}

// safeRun converts a panic in fn into an error.
func safeRun(fn func() (string, error)) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// SwitchMode switches to the named mode and returns its greeting.
func (c *Controller) SwitchMode(ctx context.Context, name string) (string, error) {
	mode, err := ParseMode(name)
	if err != nil {
		return "", err
	}
	return c.SwitchTo(ctx, mode)
}

// ExitMode returns to Idle.
func (c *Controller) ExitMode(ctx context.Context) (string, error) {
	return c.SwitchTo(ctx, Idle)
}

// ReadCurrent returns the current reading text.
func (c *Controller) ReadCurrent(context.Context) (string, error) {
	if !c.cursor.Loaded() {
		return noCourse, nil
	}
	if text, ok := c.cursor.ReadingText(); ok {
		return text, nil
	}
	return noContentRead, nil
}

// Step moves the cursor delta leaves and returns the new reading text.
// At either end the position is kept and the user is told so.
func (c *Controller) Step(ctx context.Context, delta int) (string, error) {
	if !c.cursor.Loaded() {
		return noCourse, nil
	}
	node, err := c.cursor.Step(ctx, delta)
	if err != nil {
		return "", fmt.Errorf("step %d: %w", delta, err)
	}
	if node == nil {
		if delta > 0 {
			return atEnd, nil
		}
		return atStart, nil
	}
	if text, ok := c.cursor.ReadingText(); ok {
		return text, nil
	}
	return noContentRead, nil
}

// QuizQuestion returns the first quiz question of the current leaf.
func (c *Controller) QuizQuestion(context.Context) (string, bool) {
	leaf := c.cursor.Current()
	if leaf == nil || len(leaf.QuizQuestions) == 0 {
		return "", false
	}
	return leaf.QuizQuestions[0], true
}
