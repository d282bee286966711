package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/albertojacini/vemorize/internal/httpkit"
)

// Limits accepted by the cloud speech endpoint.
const (
	MaxTTSChars  = 4096
	MinTTSSpeed  = 0.25
	MaxTTSSpeed  = 4.0
	maxAudioSize = 32 << 20
)

// TTSError is a failed synthesis request. Details carries the backend's
// explanation when it sent one.
type TTSError struct {
	Message string
	Details string
	Status  int
}

func (e *TTSError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("tts: %s: %s", e.Message, e.Details)
	}
	return "tts: " + e.Message
}

// CloudTTS synthesizes MP3 audio through the backend's tts function.
type CloudTTS struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCloudTTS creates a client for {baseURL}/functions/v1/tts.
// tokenFn, when non-nil, supplies the bearer token for each request.
func NewCloudTTS(baseURL string, tokenFn func() string, timeout time.Duration, logger *slog.Logger) *CloudTTS {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithLogger(logger),
	}
	if tokenFn != nil {
		opts = append(opts, httpkit.WithTokenSource(tokenFn))
	}
	return &CloudTTS{
		url:        strings.TrimRight(baseURL, "/") + "/functions/v1/tts",
		httpClient: httpkit.NewClient(opts...),
		logger:     logger.With("provider", "cloud_tts"),
	}
}

// ValidateTTS checks a synthesis request before it is sent.
func ValidateTTS(text string, speed float64) error {
	switch {
	case text == "":
		return &TTSError{Message: "Text is required"}
	case len([]rune(text)) > MaxTTSChars:
		return &TTSError{Message: fmt.Sprintf("Text too long (max %d characters)", MaxTTSChars)}
	case speed < MinTTSSpeed || speed > MaxTTSSpeed:
		return &TTSError{Message: fmt.Sprintf("Speed must be between %.2f and %.1f", MinTTSSpeed, MaxTTSSpeed)}
	}
	return nil
}

// Synthesize returns MP3 audio for text at the given speed.
func (c *CloudTTS) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	if err := ValidateTTS(text, speed); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{"text": text, "speed": speed})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw := httpkit.ReadErrorBody(resp.Body, 4096)
		var payload struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error != "" {
			return nil, &TTSError{Message: payload.Error, Details: payload.Details, Status: resp.StatusCode}
		}
		return nil, &TTSError{
			Message: fmt.Sprintf("request failed: %d", resp.StatusCode),
			Details: raw,
			Status:  resp.StatusCode,
		}
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("read tts audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("tts: received empty audio response")
	}

	c.logger.Debug("tts synthesized",
		"chars", len(text),
		"speed", speed,
		"bytes", len(audio),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return audio, nil
}
