package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	resp  *Response
	err   error
	calls int
}

func (s *stubClient) Converse(context.Context, Request) (*Response, error) {
	s.calls++
	return s.resp, s.err
}

func TestFailoverClient(t *testing.T) {
	ok := &Response{Success: true, ToolCalls: []ToolCall{replyCall("hi")}}
	failed := &Response{Success: false, Error: "quota"}

	tests := []struct {
		name        string
		providers   []*stubClient
		wantErr     bool
		wantSuccess bool
		wantCalls   []int
	}{
		{
			name:        "first succeeds",
			providers:   []*stubClient{{resp: ok}, {resp: ok}},
			wantSuccess: true,
			wantCalls:   []int{1, 0},
		},
		{
			name:        "error falls through",
			providers:   []*stubClient{{err: errors.New("down")}, {resp: ok}},
			wantSuccess: true,
			wantCalls:   []int{1, 1},
		},
		{
			name:        "unsuccessful falls through",
			providers:   []*stubClient{{resp: failed}, {resp: ok}},
			wantSuccess: true,
			wantCalls:   []int{1, 1},
		},
		{
			name:      "all unsuccessful returns last answer",
			providers: []*stubClient{{err: errors.New("down")}, {resp: failed}},
			wantCalls: []int{1, 1},
		},
		{
			name:      "all error",
			providers: []*stubClient{{err: errors.New("a")}, {err: errors.New("b")}},
			wantErr:   true,
			wantCalls: []int{1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ps []Provider
			for i, s := range tt.providers {
				ps = append(ps, Provider{Name: string(rune('a' + i)), Client: s})
			}
			resp, err := NewFailoverClient(nil, ps...).Converse(context.Background(), Request{UserMessage: "x"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), "a:") || !strings.Contains(err.Error(), "b:") {
					t.Errorf("error should name every provider: %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if resp.Success != tt.wantSuccess {
					t.Errorf("Success = %v, want %v", resp.Success, tt.wantSuccess)
				}
			}
			for i, s := range tt.providers {
				if s.calls != tt.wantCalls[i] {
					t.Errorf("provider %d called %d times, want %d", i, s.calls, tt.wantCalls[i])
				}
			}
		})
	}
}

func TestFailoverClient_NoProviders(t *testing.T) {
	if _, err := NewFailoverClient(nil).Converse(context.Background(), Request{}); err == nil {
		t.Error("expected error with no providers")
	}
}
