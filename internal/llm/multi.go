package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Provider is a named backend for FailoverClient.
type Provider struct {
	Name   string
	Client Client
}

// FailoverClient tries its providers in order and returns the first
// answer. A provider that errors, or answers with Success=false, hands
// the turn to the next one. The last unsuccessful answer is returned
// when every provider answered but none succeeded.
type FailoverClient struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFailoverClient creates a client over one or more providers.
func NewFailoverClient(logger *slog.Logger, providers ...Provider) *FailoverClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverClient{providers: providers, logger: logger}
}

// Converse sends the turn to each provider until one succeeds.
func (f *FailoverClient) Converse(ctx context.Context, req Request) (*Response, error) {
	if len(f.providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured")
	}

	var (
		errs []error
		last *Response
	)
	for _, p := range f.providers {
		resp, err := p.Client.Converse(ctx, req)
		switch {
		case err != nil:
			f.logger.Warn("LLM provider failed", "provider", p.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
		case !resp.Success:
			f.logger.Warn("LLM provider reported failure", "provider", p.Name, "error", resp.Error)
			last = resp
		default:
			return resp, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	if last != nil {
		return last, nil
	}
	return nil, errors.Join(errs...)
}

// Ping checks the first provider that supports it.
func (f *FailoverClient) Ping(ctx context.Context) error {
	for _, p := range f.providers {
		if pinger, ok := p.Client.(interface{ Ping(context.Context) error }); ok {
			return pinger.Ping(ctx)
		}
	}
	return nil
}
