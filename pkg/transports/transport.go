package transports

import (
	"context"

	"github.com/voxlane/voxlane/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio/text/control frames.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// DialOptions carries optional outbound dial settings. Params are
// forwarded to the media stream as custom parameters and show up in
// the start event of the call.
type DialOptions struct {
	Params map[string]string
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
