package llm

import (
	"context"
	"strings"
)

// Collect drains a token stream into one string. It returns early with
// the partial text if ctx is cancelled.
func Collect(ctx context.Context, tokens <-chan string) string {
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			return b.String()
		case tok, ok := <-tokens:
			if !ok {
				return b.String()
			}
			b.WriteString(tok)
		}
	}
}

// Tail returns the last n messages of history, or all of it when it is
// shorter than n.
func Tail(history []Message, n int) []Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
