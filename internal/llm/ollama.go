package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/albertojacini/vemorize/internal/httpkit"
	"github.com/albertojacini/vemorize/internal/prompts"
)

// OllamaClient is a conversation backend on a local Ollama server.
type OllamaClient struct {
	baseURL    string
	model      string
	catalog    ToolCatalog
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the Ollama chat API. catalog may
// be nil, in which case no tool definitions are sent and every answer
// arrives as text.
func NewOllamaClient(baseURL, model string, catalog ToolCatalog, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		catalog: catalog,
		// Large models with tools need time; callers bound turns with ctx.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama returns an object, not a string
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Converse sends one non-streaming chat request. Native tool calls are
// used when present; otherwise tool calls written into the content are
// parsed, and plain text becomes a reply tool call.
func (c *OllamaClient) Converse(ctx context.Context, req Request) (*Response, error) {
	valid := allowed(req.ToolNames)

	body := ollamaRequest{
		Model: c.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: prompts.Conversation(req.Mode, req.UserMemory, req.LeafText)},
			{Role: "user", Content: req.UserMessage},
		},
		Tools: c.tools(req.ToolNames),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var chatResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{
		Success:      true,
		Model:        chatResp.Model,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
	}

	for _, tc := range chatResp.Message.ToolCalls {
		if valid != nil && !valid[tc.Function.Name] {
			c.logger.Debug("dropping tool call outside allowlist", "tool", tc.Function.Name)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{Name: tc.Function.Name, Args: tc.Function.Arguments})
	}

	if len(chatResp.Message.ToolCalls) == 0 {
		content := strings.TrimSpace(chatResp.Message.Content)
		if parsed := parseTextToolCalls(content, valid); len(parsed) > 0 {
			out.ToolCalls = parsed
		} else if content != "" {
			out.ToolCalls = []ToolCall{replyCall(content)}
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func (c *OllamaClient) tools(names []string) []map[string]any {
	if c.catalog == nil {
		return nil
	}
	defs := c.catalog.Definitions(names)
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

var toolNamePrefix = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*\{`)

// parseTextToolCalls extracts tool calls that a model wrote into its
// content instead of the native tool_calls field. Handled formats:
//   - JSON object: {"name": "...", "arguments": {...}}
//   - JSON array of such objects
//   - concatenated objects: {...}{...}, trailing prose ignored
//   - tagged: <tool_call>...</tool_call>
//   - tool name then arguments: next_content {"count": 1}
//
// When valid is non-nil, calls to other tools are dropped.
func parseTextToolCalls(content string, valid map[string]bool) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var raw []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		raw = decodeConcatenated(content)
	default:
		m := toolNamePrefix.FindStringSubmatchIndex(content)
		if m == nil {
			return nil
		}
		var args map[string]any
		dec := json.NewDecoder(strings.NewReader(content[m[1]-1:]))
		if err := dec.Decode(&args); err != nil {
			return nil
		}
		raw = []textToolCall{{Name: content[m[2]:m[3]], Arguments: args}}
	}

	var calls []ToolCall
	for _, r := range raw {
		if r.Name == "" {
			continue
		}
		if valid != nil && !valid[r.Name] {
			continue
		}
		calls = append(calls, ToolCall{Name: r.Name, Args: r.Arguments})
	}
	return calls
}

// decodeConcatenated reads JSON objects back to back until the first
// decode failure.
func decodeConcatenated(content string) []textToolCall {
	dec := json.NewDecoder(strings.NewReader(content))
	var out []textToolCall
	for {
		var tc textToolCall
		if err := dec.Decode(&tc); err != nil {
			if err != io.EOF && len(out) == 0 {
				return nil
			}
			return out
		}
		out = append(out, tc)
	}
}
