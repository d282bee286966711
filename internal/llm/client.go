// Package llm talks to the language model backends that handle
// conversational turns. Every backend answers a Request with a list of
// tool calls; free-text answers from local models are folded into a
// call of the reply tool so callers see a single shape.
package llm

import "context"

// Client is the interface every conversation backend implements.
type Client interface {
	// Converse sends one turn and returns the backend's tool calls. A
	// transport or decoding failure is an error; a backend that answers
	// but reports failure returns Success=false and a nil error.
	Converse(ctx context.Context, req Request) (*Response, error)
}

// ToolCatalog supplies JSON-schema tool definitions for backends that
// need them in the request (Ollama, OpenAI, Anthropic). The hosted
// conversation API resolves tool names itself.
type ToolCatalog interface {
	Definitions(names []string) []ToolDefinition
}
