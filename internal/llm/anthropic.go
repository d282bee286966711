package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/albertojacini/vemorize/internal/httpkit"
	"github.com/albertojacini/vemorize/internal/prompts"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a conversation backend on the Anthropic Messages API.
type AnthropicClient struct {
	url        string
	apiKey     string
	model      string
	catalog    ToolCatalog
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. An empty url uses the public
// Messages endpoint.
func NewAnthropicClient(url, apiKey, model string, catalog ToolCatalog, logger *slog.Logger) *AnthropicClient {
	if url == "" {
		url = anthropicAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		url:        url,
		apiKey:     apiKey,
		model:      model,
		catalog:    catalog,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute)),
		logger:     logger.With("provider", "anthropic"),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Converse sends one Messages request. tool_use blocks become tool
// calls; text blocks become a reply call when the model used no tools.
func (c *AnthropicClient) Converse(ctx context.Context, req Request) (*Response, error) {
	valid := allowed(req.ToolNames)

	body := anthropicRequest{
		Model:     c.model,
		System:    prompts.Conversation(req.Mode, req.UserMemory, req.LeafText),
		Messages:  []anthropicMessage{{Role: "user", Content: req.UserMessage}},
		MaxTokens: 1024,
		Tools:     c.tools(req.ToolNames),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{
		Success:      true,
		Model:        ar.Model,
		InputTokens:  ar.Usage.InputTokens,
		OutputTokens: ar.Usage.OutputTokens,
	}

	var text strings.Builder
	usedTools := false
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			usedTools = true
			if valid != nil && !valid[block.Name] {
				c.logger.Debug("dropping tool call outside allowlist", "tool", block.Name)
				continue
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	if !usedTools {
		if s := strings.TrimSpace(text.String()); s != "" {
			out.ToolCalls = []ToolCall{replyCall(s)}
		}
	}

	c.logger.Debug("response received",
		"model", out.Model,
		"stop_reason", ar.StopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

func (c *AnthropicClient) tools(names []string) []anthropicTool {
	if c.catalog == nil {
		return nil
	}
	var out []anthropicTool
	for _, d := range c.catalog.Definitions(names) {
		out = append(out, anthropicTool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters})
	}
	return out
}
