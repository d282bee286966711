package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/albertojacini/vemorize/internal/llm"
)

// Actions is the application state the built-in tools act on. Each
// method returns the text to tell the user.
type Actions interface {
	SwitchMode(ctx context.Context, mode string) (string, error)
	ExitMode(ctx context.Context) (string, error)
	Step(ctx context.Context, delta int) (string, error)
}

// Built-in tool names.
const (
	SwitchModeTool      = "switch_mode"
	ExitModeTool        = "exit_mode"
	NextContentTool     = "next_content"
	PreviousContentTool = "previous_content"
)

var errNoReply = errors.New("reply call has no response text")

// modeArgKeys are the argument names accepted for the target mode, in
// lookup order. Backends disagree on the spelling.
var modeArgKeys = []string{"mode", "targetMode", "target_mode"}

// RegisterBuiltins registers the reply, mode and navigation tools.
func RegisterBuiltins(r *Registry, a Actions) error {
	for _, t := range Builtins(a) {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Builtins returns the built-in tools bound to a.
func Builtins(a Actions) []*Tool {
	countParam := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{
				"type":        "integer",
				"description": "How many sections to move (default 1)",
			},
		},
	}

	return []*Tool{
		{
			Name:        llm.ReplyTool,
			Description: "Say something to the user. Every answer must include exactly one call of this tool.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"response": map[string]any{
						"type":        "string",
						"description": "The words to speak to the user, plain text without markdown",
					},
				},
				"required": []string{"response"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				text := replyText(args)
				if text == "" {
					return "", errNoReply
				}
				return text, nil
			},
		},
		{
			Name:        SwitchModeTool,
			Description: "Switch the interaction mode: idle for free conversation, reading to listen to course content, quiz to be tested on it.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode": map[string]any{
						"type": "string",
						"enum": []string{"idle", "reading", "quiz"},
					},
				},
				"required": []string{"mode"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				mode := modeArg(args)
				if mode == "" {
					return "", fmt.Errorf("switch_mode: missing mode argument")
				}
				return a.SwitchMode(ctx, mode)
			},
		},
		{
			Name:        ExitModeTool,
			Description: "Leave the current mode and return to idle.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				return a.ExitMode(ctx)
			},
		},
		{
			Name:        NextContentTool,
			Description: "Move forward to the next section of the course and read it.",
			Parameters:  countParam,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return a.Step(ctx, countArg(args))
			},
		},
		{
			Name:        PreviousContentTool,
			Description: "Go back to the previous section of the course and read it.",
			Parameters:  countParam,
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return a.Step(ctx, -countArg(args))
			},
		},
	}
}

// replyText returns the reply of a reply tool call: the "response"
// argument, else "message".
func replyText(args map[string]any) string {
	for _, key := range []string{"response", "message"} {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func modeArg(args map[string]any) string {
	for _, key := range modeArgKeys {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.ToLower(strings.TrimSpace(s))
		}
	}
	return ""
}

// countArg reads an optional positive step count; anything else is 1.
func countArg(args map[string]any) int {
	var n int
	switch v := args["count"].(type) {
	case float64:
		n = int(v)
	case int:
		n = v
	case string:
		n, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	if n < 1 {
		return 1
	}
	return n
}

// Catalog returns the built-in tool definitions without binding them to
// application state, for LLM backends constructed before the actions
// they will drive. Its handlers must not be run.
func Catalog() llm.ToolCatalog {
	r := NewRegistry(nil, nil)
	_ = RegisterBuiltins(r, nil)
	return r
}
