// Package turn implements the per-call turn-taking state machine. It
// guarantees at most one in-flight response pipeline per call and gates
// inbound audio while the assistant is speaking.
package turn

import (
	"sync"
	"time"
)

type State int

const (
	// StateListening waits for the first final transcript fragment.
	StateListening State = iota
	// StateAssembling collects final fragments before end of utterance.
	StateAssembling
	// StateResponding has a response pipeline running.
	StateResponding
	// StateAwaitMark has sent all audio and waits for the transport's
	// playback-completion acknowledgment.
	StateAwaitMark
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateAssembling:
		return "ASSEMBLING"
	case StateResponding:
		return "RESPONDING"
	case StateAwaitMark:
		return "AWAIT_MARK"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateListening:  {StateAssembling},
	StateAssembling: {StateResponding, StateListening},
	StateResponding: {StateAwaitMark, StateListening},
	StateAwaitMark:  {StateListening},
}

// Gate is the turn-taking state machine for one call. There is no
// timeout on AwaitMark: a lost acknowledgment stalls turn-taking until
// the call disconnects.
type Gate struct {
	mu       sync.Mutex
	state    State
	speaking bool

	respondingStart time.Time
	listeners       []StateListener
}

func NewGate() *Gate {
	return &Gate{state: StateListening}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnFragment records the first final fragment of a new utterance.
// It only moves Listening to Assembling; in any other state it is a no-op
// because fragment buffering continues regardless.
func (g *Gate) OnFragment() {
	g.mu.Lock()
	if g.state != StateListening {
		g.mu.Unlock()
		return
	}
	g.transitionLocked(StateAssembling, "final_fragment")
}

// TryBeginResponse attempts to claim the response pipeline for a
// completed utterance. It returns false while a previous response is
// still running or awaiting its mark; the caller must drop the
// utterance in that case.
func (g *Gate) TryBeginResponse() bool {
	g.mu.Lock()
	if g.state == StateResponding || g.state == StateAwaitMark {
		g.mu.Unlock()
		return false
	}
	g.respondingStart = time.Now()
	g.transitionLocked(StateResponding, "utterance_complete")
	return true
}

// BeginSpeaking marks the start of synthesized audio playback. While
// speaking, inbound audio is discarded instead of forwarded.
func (g *Gate) BeginSpeaking() {
	g.mu.Lock()
	g.speaking = true
	g.mu.Unlock()
}

// ResponseSent moves Responding to AwaitMark after the end-of-response
// marker has been handed to the transport.
func (g *Gate) ResponseSent() error {
	g.mu.Lock()
	if g.state != StateResponding {
		from := g.state
		g.mu.Unlock()
		return &InvalidTransitionError{From: from, To: StateAwaitMark}
	}
	g.transitionLocked(StateAwaitMark, "response_sent")
	return nil
}

// OnMarkAck handles the transport's playback-completion acknowledgment.
// This is the single point that clears the speaking flag and re-opens
// the gate for the next utterance.
func (g *Gate) OnMarkAck() {
	g.mu.Lock()
	g.speaking = false
	if g.state != StateAwaitMark && g.state != StateResponding {
		g.mu.Unlock()
		return
	}
	if g.state == StateResponding {
		// Ack raced ahead of ResponseSent; fold both steps.
		g.state = StateAwaitMark
	}
	g.transitionLocked(StateListening, "mark_ack")
}

// Abort releases the gate after a failed turn so the call keeps
// listening instead of deadlocking.
func (g *Gate) Abort(reason string) {
	g.mu.Lock()
	g.speaking = false
	switch g.state {
	case StateResponding, StateAssembling, StateAwaitMark:
		g.transitionLocked(StateListening, reason)
	default:
		g.mu.Unlock()
	}
}

// ShouldForwardAudio reports whether inbound media may be fed to the
// recognizer. False while the assistant's reply is playing.
func (g *Gate) ShouldForwardAudio() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.speaking
}

// ResponseElapsed returns how long the current response has been in
// flight, zero outside Responding/AwaitMark.
func (g *Gate) ResponseElapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateResponding && g.state != StateAwaitMark {
		return 0
	}
	return time.Since(g.respondingStart)
}

func (g *Gate) AddListener(listener StateListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, listener)
}

// transitionLocked moves to state, releases the lock and notifies
// listeners. The caller must hold g.mu; it is unlocked on return.
func (g *Gate) transitionLocked(to State, reason string) {
	from := g.state
	g.state = to
	event := StateChange{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	listeners := make([]StateListener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
}

// Valid reports whether from -> to is an allowed transition.
func Valid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
