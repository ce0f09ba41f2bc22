package turn

import (
	"sync"
	"testing"
)

type captureListener struct {
	mu     sync.Mutex
	events []StateChange
}

func (c *captureListener) OnStateChange(ev StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureListener) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestGateHappyPath(t *testing.T) {
	g := NewGate()
	if g.State() != StateListening {
		t.Fatalf("expected LISTENING start, got %s", g.State())
	}

	g.OnFragment()
	if g.State() != StateAssembling {
		t.Fatalf("expected ASSEMBLING, got %s", g.State())
	}

	if !g.TryBeginResponse() {
		t.Fatal("expected response claim to succeed")
	}
	if g.State() != StateResponding {
		t.Fatalf("expected RESPONDING, got %s", g.State())
	}

	g.BeginSpeaking()
	if g.ShouldForwardAudio() {
		t.Fatal("audio must not be forwarded while speaking")
	}

	if err := g.ResponseSent(); err != nil {
		t.Fatalf("response sent: %v", err)
	}
	if g.State() != StateAwaitMark {
		t.Fatalf("expected AWAIT_MARK, got %s", g.State())
	}

	g.OnMarkAck()
	if g.State() != StateListening {
		t.Fatalf("expected LISTENING after ack, got %s", g.State())
	}
	if !g.ShouldForwardAudio() {
		t.Fatal("audio forwarding must resume after ack")
	}
}

func TestGateDropsSecondUtteranceWhileResponding(t *testing.T) {
	g := NewGate()
	g.OnFragment()
	if !g.TryBeginResponse() {
		t.Fatal("first claim should succeed")
	}
	if g.TryBeginResponse() {
		t.Fatal("second claim while RESPONDING must fail")
	}
	if err := g.ResponseSent(); err != nil {
		t.Fatal(err)
	}
	if g.TryBeginResponse() {
		t.Fatal("claim while AWAIT_MARK must fail")
	}
	g.OnMarkAck()
	g.OnFragment()
	if !g.TryBeginResponse() {
		t.Fatal("claim after ack should succeed")
	}
}

func TestGateAbortReleasesGate(t *testing.T) {
	g := NewGate()
	g.OnFragment()
	if !g.TryBeginResponse() {
		t.Fatal("claim should succeed")
	}
	g.BeginSpeaking()
	g.Abort("synthesis_error")
	if g.State() != StateListening {
		t.Fatalf("expected LISTENING after abort, got %s", g.State())
	}
	if !g.ShouldForwardAudio() {
		t.Fatal("speaking flag must clear on abort")
	}
	g.OnFragment()
	if !g.TryBeginResponse() {
		t.Fatal("gate must be reusable after abort")
	}
}

func TestGateAckRacingResponseSent(t *testing.T) {
	g := NewGate()
	g.OnFragment()
	if !g.TryBeginResponse() {
		t.Fatal("claim should succeed")
	}
	g.OnMarkAck()
	if g.State() != StateListening {
		t.Fatalf("expected LISTENING, got %s", g.State())
	}
}

func TestGateNotifiesListeners(t *testing.T) {
	g := NewGate()
	cap := &captureListener{}
	g.AddListener(cap)
	g.OnFragment()
	g.TryBeginResponse()
	_ = g.ResponseSent()
	g.OnMarkAck()
	if cap.Count() != 4 {
		t.Fatalf("expected 4 state changes, got %d", cap.Count())
	}
}

func TestResponseSentOutsideResponding(t *testing.T) {
	g := NewGate()
	if err := g.ResponseSent(); err == nil {
		t.Fatal("expected invalid transition error")
	}
}

func TestValidTransitionTable(t *testing.T) {
	if !Valid(StateListening, StateAssembling) {
		t.Fatal("listening -> assembling must be valid")
	}
	if Valid(StateListening, StateResponding) {
		t.Fatal("listening -> responding must be invalid")
	}
	if Valid(StateAwaitMark, StateResponding) {
		t.Fatal("await_mark -> responding must be invalid")
	}
}
