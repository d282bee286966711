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
)

// DefaultAPIPath is the conversation endpoint of the hosted backend.
const DefaultAPIPath = "/api/conversation"

// APIClient talks to the hosted conversation backend, which owns the
// prompts and tool schemas and returns tool calls only.
type APIClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAPIClient creates a backend client. An empty path uses
// DefaultAPIPath. token is sent as a bearer token when non-empty.
func NewAPIClient(baseURL, path, token string, logger *slog.Logger) *APIClient {
	if path == "" {
		path = DefaultAPIPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(60 * time.Second),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	}
	if token != "" {
		opts = append(opts, httpkit.WithBearerToken(token))
	}

	return &APIClient{
		url:        strings.TrimRight(baseURL, "/") + path,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger.With("provider", "api"),
	}
}

type apiLLMContext struct {
	UserMessage       string   `json:"userMessage"`
	ToolNames         []string `json:"toolNames"`
	Mode              string   `json:"mode"`
	UserMemory        string   `json:"userMemory,omitempty"`
	LeafReprForPrompt string   `json:"leafReprForPrompt,omitempty"`
}

type apiData struct {
	CourseID string `json:"courseId,omitempty"`
	UserID   string `json:"userId"`
}

type apiRequest struct {
	LLMContext apiLLMContext `json:"llmContext"`
	Data       apiData       `json:"data"`
}

type apiResponse struct {
	Success bool `json:"success"`
	Data    *struct {
		ToolCalls []ToolCall `json:"toolCalls"`
	} `json:"data"`
	Error string `json:"error"`
}

// Converse posts one turn. A non-2xx status or undecodable body is an
// error; success=false in a well-formed body is returned as an
// unsuccessful Response.
func (c *APIClient) Converse(ctx context.Context, req Request) (*Response, error) {
	toolNames := req.ToolNames
	if toolNames == nil {
		toolNames = []string{}
	}
	body := apiRequest{
		LLMContext: apiLLMContext{
			UserMessage:       req.UserMessage,
			ToolNames:         toolNames,
			Mode:              strings.ToLower(req.Mode),
			UserMemory:        req.UserMemory,
			LeafReprForPrompt: req.LeafText,
		},
		Data: apiData{CourseID: req.CourseID, UserID: req.UserID},
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

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("conversation API error %d: %s", resp.StatusCode, errBody)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &Response{Success: apiResp.Success, Error: apiResp.Error}
	if !apiResp.Success {
		c.logger.Warn("conversation API reported failure", "error", apiResp.Error)
		return out, nil
	}
	if apiResp.Data == nil {
		return nil, fmt.Errorf("decode response: success without data")
	}

	for _, tc := range apiResp.Data.ToolCalls {
		if tc.Name == "" {
			c.logger.Debug("skipping tool call without name")
			continue
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}

	c.logger.Debug("response received", "tool_calls", len(out.ToolCalls))
	return out, nil
}
