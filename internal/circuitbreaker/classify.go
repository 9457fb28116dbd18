package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
type httpStatusError interface {
	HTTPStatus() int
}

// IsFailure reports whether the outcome of a dispatched request counts as a
// circuit-breaker failure: a 5xx response, a timeout, or a transport
// error that never reached the upstream. A 4xx response is a client error,
// not an upstream fault, and never counts against the breaker.
func IsFailure(err error, status int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return true
		}
		var he httpStatusError
		if errors.As(err, &he) {
			return he.HTTPStatus() >= 500
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return true
		}
		// Any other transport-level error (connection refused, reset, etc.)
		// never reached the upstream and counts as a failure.
		return true
	}
	return status >= 500
}
