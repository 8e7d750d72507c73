package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies daemon failures by how callers should react to them.
type Kind int

const (
	// KindProtocol is a non-200 status or a response missing expected fields. Never retried.
	KindProtocol Kind = iota
	// KindUnavailable is a refused or broken connection. Triggers failover.
	KindUnavailable
	// KindTunnelDown is a 530 from the tunnel or proxy fronting the daemon. Triggers failover.
	KindTunnelDown
	// KindTimeout means the configured request duration was exceeded. Retried.
	KindTimeout
	// KindMalformed is model output that could not be parsed into the expected structure.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTunnelDown:
		return "tunnel_down"
	case KindTimeout:
		return "timeout"
	case KindMalformed:
		return "malformed"
	default:
		return "protocol"
	}
}

// Error is a classified daemon or model-output failure.
type Error struct {
	Kind   Kind
	Op     string
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindUnavailable:
		msg = fmt.Sprintf("daemon unavailable at %s", e.URL)
	case KindTunnelDown:
		msg = fmt.Sprintf("tunnel/proxy down (530) at %s", e.URL)
	case KindTimeout:
		msg = fmt.Sprintf("daemon request to %s timed out", e.URL)
	case KindMalformed:
		msg = "malformed model output"
	default:
		if e.Status != 0 {
			msg = fmt.Sprintf("daemon returned %d from %s", e.Status, e.URL)
			if e.Body != "" {
				msg += ": " + e.Body
			}
		} else {
			msg = fmt.Sprintf("unexpected response from %s", e.URL)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err, if it carries one.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// IsConnection reports whether err is a connection-class failure eligible for failover.
func IsConnection(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindUnavailable || k == KindTunnelDown)
}

// IsTimeout reports whether err is a transient timeout.
func IsTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTimeout
}

// Malformed builds a KindMalformed error.
func Malformed(format string, args ...any) error {
	return &Error{Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

// classifyTransport maps an error from the HTTP transport onto the taxonomy.
// Cancellation of the caller's context is passed through unclassified.
func classifyTransport(op, url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &Error{Kind: KindTimeout, Op: op, URL: url, Err: err}
	}
	return &Error{Kind: KindUnavailable, Op: op, URL: url, Err: err}
}
