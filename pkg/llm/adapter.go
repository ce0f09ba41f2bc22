// Package llm defines the vendor-agnostic chat-completion surface used
// by call turns, summaries and lead classification.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries the messages and sampling parameters of one
// completion call.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Adapter is implemented by chat-completion providers.
type Adapter interface {
	Name() string
	// Generate runs a blocking completion and returns the full text.
	Generate(ctx context.Context, req Request) (Response, error)
	// Stream returns tokens as they arrive. The channel closes when the
	// completion finishes or ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan string, error)
}
