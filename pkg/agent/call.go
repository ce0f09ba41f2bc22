package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/llm"
)

// CallIdentifier derives the unique per-attempt call id from the
// provider call sid and a millisecond timestamp.
func CallIdentifier(callSID string, now time.Time) string {
	return fmt.Sprintf("call_%s_%d", callSID, now.UnixMilli())
}

// Call is the mutable per-call state. The conversation history has a
// single writer (the turn pipeline) but is read during finalize, so
// access goes through the mutex.
type Call struct {
	ID              string
	StreamID        string
	CallSID         string
	TraceID         string
	PhoneNumber     string
	KnowledgeBaseID string
	CampaignID      string
	Language        LanguageProfile
	LanguageKey     string
	StartedAt       time.Time

	mu      sync.Mutex
	history []llm.Message
}

// AppendTurn records the user utterance and the assistant reply.
func (c *Call) AppendTurn(user, assistant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
}

// History returns a copy of the conversation so far.
func (c *Call) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.history...)
}

// TurnCount returns the number of history messages, used as the
// correlation tag of the end-of-response mark.
func (c *Call) TurnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Transcript converts the history into ledger entries.
func (c *Call) Transcript() []ledger.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ledger.TranscriptEntry, 0, len(c.history))
	for _, m := range c.history {
		out = append(out, ledger.TranscriptEntry{Role: m.Role, Text: m.Content})
	}
	return out
}
