package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// ReplyTool is the tool whose "response" argument carries the text
// spoken back to the user.
const ReplyTool = "provide_chat_response"

// Request is one conversational turn.
type Request struct {
	UserMessage string
	// ToolNames is the allowlist of tools the model may call.
	ToolNames []string
	// Mode is the lowercase interaction mode: idle, reading or quiz.
	Mode string
	// UserMemory is a short serialized summary of what is known about
	// the user. Optional.
	UserMemory string
	// LeafText is the reading text of the current content leaf. Optional.
	LeafText string
	CourseID string
	UserID   string
}

// ToolCall is one action requested by the model.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// Response is a backend's answer to a Request.
type Response struct {
	Success   bool
	ToolCalls []ToolCall
	Error     string

	Model        string
	InputTokens  int
	OutputTokens int
}

// ToolDefinition describes a tool to a model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// replyCall wraps free text from a model in a reply tool call.
func replyCall(text string) ToolCall {
	return ToolCall{Name: ReplyTool, Args: map[string]any{"response": text}}
}

// allowed returns a set of the request's tool names, or nil when the
// request has no allowlist.
func allowed(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
