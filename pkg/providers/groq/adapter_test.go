package groq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxlane/voxlane/pkg/llm"
	"github.com/voxlane/voxlane/pkg/resilience"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := NewAdapter("test-key", "")
	a.BaseURL = srv.URL
	return a
}

func TestGenerateParsesChoice(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	})
	resp, err := a.Generate(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "hello" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 12 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestGenerateRateLimit(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := a.Generate(context.Background(), llm.Request{})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
}

func TestStreamEmitsTokens(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: [DONE]`,
		}
		w.Write([]byte(strings.Join(lines, "\n\n") + "\n"))
	})
	ch, err := a.Stream(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got := llm.Collect(context.Background(), ch)
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
}
