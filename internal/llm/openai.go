package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/albertojacini/vemorize/internal/httpkit"
	"github.com/albertojacini/vemorize/internal/prompts"
)

// OpenAIClient is a conversation backend for any OpenAI-compatible chat
// completions endpoint (OpenAI, OpenRouter, llama.cpp server).
type OpenAIClient struct {
	client  openai.Client
	model   string
	catalog ToolCatalog
	logger  *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL uses the SDK's
// default endpoint.
func NewOpenAIClient(baseURL, apiKey, model string, catalog ToolCatalog, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(2 * time.Minute))),
		option.WithMaxRetries(1),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   model,
		catalog: catalog,
		logger:  logger.With("provider", "openai"),
	}
}

// Converse sends one chat completion with the request's tools. Tool call
// arguments arrive as JSON strings; a call whose arguments do not decode
// fails the turn.
func (c *OpenAIClient) Converse(ctx context.Context, req Request) (*Response, error) {
	valid := allowed(req.ToolNames)

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompts.Conversation(req.Mode, req.UserMemory, req.LeafText)),
			openai.UserMessage(req.UserMessage),
		},
		Tools: c.tools(req.ToolNames),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}

	out := &Response{
		Success:      true,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}

	msg := resp.Choices[0].Message
	for _, tc := range msg.ToolCalls {
		name := tc.Function.Name
		if valid != nil && !valid[name] {
			c.logger.Debug("dropping tool call outside allowlist", "tool", name)
			continue
		}
		args := map[string]any{}
		if s := strings.TrimSpace(tc.Function.Arguments); s != "" {
			if err := json.Unmarshal([]byte(s), &args); err != nil {
				return nil, fmt.Errorf("decode arguments of %s: %w", name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: name, Args: args})
	}

	if len(msg.ToolCalls) == 0 {
		if content := strings.TrimSpace(msg.Content); content != "" {
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

func (c *OpenAIClient) tools(names []string) []openai.ChatCompletionToolUnionParam {
	if c.catalog == nil {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, d := range c.catalog.Definitions(names) {
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  openai.FunctionParameters(d.Parameters),
		}))
	}
	return out
}
