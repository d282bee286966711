// Package tools executes the actions a language model requests during a
// conversational turn. A Registry maps tool names to handlers; the
// built-in handlers act on application state through an Actions facade
// supplied at construction.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/albertojacini/vemorize/internal/events"
	"github.com/albertojacini/vemorize/internal/llm"
)

// Handler runs one tool call and returns its textual result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// UnknownToolError names a tool call the registry has no handler for.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// Tool is a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Result is the outcome of one executed tool call.
type Result struct {
	Tool   string
	Output string
	Err    error
}

// Registry holds the available tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	order  []string
	bus    *events.Bus
	logger *slog.Logger
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		bus:    bus,
		logger: logger,
	}
}

// Register adds a tool. Names must be unique and non-empty.
func (r *Registry) Register(t *Tool) error {
	if t == nil || strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %s: nil handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the definitions of the named tools that are
// registered, sorted by name. Unknown names are ignored.
func (r *Registry) Definitions(names []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []llm.ToolDefinition
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteAll runs every call whose tool is registered, in order. Calls
// to unregistered tools are skipped. The reply tool is left to
// ExtractReply. A handler error is recorded in its Result and does not
// stop the batch.
func (r *Registry) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []Result {
	var results []Result
	for _, call := range calls {
		if call.Name == llm.ReplyTool {
			continue
		}
		t := r.Get(call.Name)
		if t == nil {
			r.logger.Debug("skipping tool call", "error", &UnknownToolError{Name: call.Name})
			continue
		}
		out, err := r.run(ctx, t, call.Args)
		if err != nil {
			r.logger.Warn("tool failed", "tool", call.Name, "error", err)
		}
		results = append(results, Result{Tool: call.Name, Output: out, Err: err})
	}
	return results
}

// ExtractReply runs the first reply tool call and returns its text. It
// returns "" when the batch has no reply call or the call carries no
// usable text.
func (r *Registry) ExtractReply(ctx context.Context, calls []llm.ToolCall) string {
	for _, call := range calls {
		if call.Name != llm.ReplyTool {
			continue
		}
		t := r.Get(llm.ReplyTool)
		if t == nil {
			return replyText(call.Args)
		}
		out, err := r.run(ctx, t, call.Args)
		if err != nil {
			r.logger.Debug("reply tool returned no text", "error", err)
			return ""
		}
		return out
	}
	return ""
}

func (r *Registry) run(ctx context.Context, t *Tool, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	r.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{"tool": t.Name})
	start := time.Now()

	out, err := t.Handler(ctx, args)

	data := map[string]any{
		"tool":        t.Name,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.bus.Emit(events.SourceTools, events.KindToolDone, data)
	return out, err
}
