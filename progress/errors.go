package progress

import (
	"fmt"

	"github.com/pixcore/taskstream/errors"
)

var (
	// ErrNotConnected is returned by Send when no connection is open
	ErrNotConnected = errors.New("progress connection is not open")

	// ErrReconnectExhausted is reported to error observers once every
	// reconnect attempt after an unexpected close has failed
	ErrReconnectExhausted = errors.New("progress reconnect attempts exhausted")

	// ErrMalformedEnvelope marks inbound frames that cannot be routed
	ErrMalformedEnvelope = errors.New("malformed progress envelope")

	// ErrDisconnected is returned by Connect when Disconnect raced the dial
	ErrDisconnected = errors.New("progress client disconnected while connecting")
)

// ConnectionError is the structured error delivered to error observers.
type ConnectionError struct {
	Op      string // "dial", "reconnect"
	URL     string
	Attempt int // 0 for an explicit Connect, 1..N for reconnects
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("progress %s %s (attempt %d): %v", e.Op, e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("progress %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
