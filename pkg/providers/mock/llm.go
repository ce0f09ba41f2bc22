package mock

import (
	"context"
	"sync"

	"github.com/voxlane/voxlane/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	Err          error
}

// LLMAdapter returns canned completions and records every request.
type LLMAdapter struct {
	cfg LLMConfig

	mu       sync.Mutex
	requests []llm.Request
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	a.record(req)
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, req llm.Request) (<-chan string, error) {
	a.record(req)
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	out := make(chan string, len(a.cfg.StreamChunks)+1)
	if len(a.cfg.StreamChunks) > 0 {
		for _, chunk := range a.cfg.StreamChunks {
			out <- chunk
		}
	} else {
		out <- a.cfg.ResponseText
	}
	close(out)
	return out, nil
}

// Requests returns a copy of every request seen so far.
func (a *LLMAdapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Request(nil), a.requests...)
}

func (a *LLMAdapter) record(req llm.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
}

var _ llm.Adapter = (*LLMAdapter)(nil)
