// Package mock provides an in-process transport fake for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxlane/voxlane/pkg/frames"
	"github.com/voxlane/voxlane/pkg/transports"
)

// Transport records every sent frame and lets tests push inbound
// frames through Inject.
type Transport struct {
	recvCh chan frames.Frame

	mu      sync.Mutex
	sent    []frames.Frame
	started bool
	stopped bool
}

func New() *Transport {
	return &Transport{recvCh: make(chan frames.Frame, 256)}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil
	}
	t.stopped = true
	close(t.recvCh)
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	return nil
}

// Inject delivers a frame as if it arrived from the wire.
func (t *Transport) Inject(f frames.Frame) {
	t.recvCh <- f
}

// Sent returns a copy of every frame passed to Send.
func (t *Transport) Sent() []frames.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frames.Frame(nil), t.sent...)
}

// SentControls filters Sent down to control frames with the given code.
func (t *Transport) SentControls(code frames.ControlCode) []frames.ControlFrame {
	var out []frames.ControlFrame
	for _, f := range t.Sent() {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == code {
			out = append(out, cf)
		}
	}
	return out
}

// SentAudio filters Sent down to audio frames.
func (t *Transport) SentAudio() []frames.AudioFrame {
	var out []frames.AudioFrame
	for _, f := range t.Sent() {
		if af, ok := f.(frames.AudioFrame); ok {
			out = append(out, af)
		}
	}
	return out
}

var _ transports.Transport = (*Transport)(nil)

// Dialer is an OutboundDialer fake with scriptable results.
type Dialer struct {
	mu    sync.Mutex
	calls []DialCall
	// NextErr, when set, fails the next Dial and is then cleared.
	NextErr error
	// Err fails every Dial.
	Err error
	// ErrFor fails dials to specific numbers.
	ErrFor map[string]error
	seq    int
	SIDFn  func(to string) string
}

type DialCall struct {
	To     string
	From   string
	Params map[string]string
	SID    string
	Err    error
}

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Dial(ctx context.Context, to, from string, opts transports.DialOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := DialCall{To: to, From: from, Params: opts.Params}
	err := d.Err
	if e, ok := d.ErrFor[to]; ok {
		err = e
	}
	if d.NextErr != nil {
		err = d.NextErr
		d.NextErr = nil
	}
	if err != nil {
		call.Err = err
		d.calls = append(d.calls, call)
		return "", err
	}
	d.seq++
	sid := ""
	if d.SIDFn != nil {
		sid = d.SIDFn(to)
	}
	if sid == "" {
		sid = "CA" + to + "-" + string(rune('0'+d.seq%10))
	}
	call.SID = sid
	d.calls = append(d.calls, call)
	return sid, nil
}

// Calls returns a copy of every dial attempt.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

var _ transports.OutboundDialer = (*Dialer)(nil)
