package probit

import (
	"context"
	"fmt"
	"time"
)

// NetworkFetchError is a REST call that did not return 200.
type NetworkFetchError struct {
	Endpoint   string
	Pair       string
	StatusCode int
	Err        error // transport failure, nil when a status was received
}

func (e *NetworkFetchError) Error() string {
	where := e.Endpoint
	if e.Pair != "" {
		where = fmt.Sprintf("%s (%s)", e.Endpoint, e.Pair)
	}
	if e.Err != nil {
		return fmt.Sprintf("probit: fetch %s: %v", where, e.Err)
	}
	return fmt.Sprintf("probit: fetch %s: status %d", where, e.StatusCode)
}

func (e *NetworkFetchError) Unwrap() error { return e.Err }

// MalformedResponseError is a body that could not be parsed or lacks
// required fields.
type MalformedResponseError struct {
	Endpoint string
	Pair     string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Pair != "" {
		return fmt.Sprintf("probit: malformed %s response for %s: %v", e.Endpoint, e.Pair, e.Err)
	}
	return fmt.Sprintf("probit: malformed %s response: %v", e.Endpoint, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StallError is a stream connection that showed no liveness in time.
type StallError struct {
	Timeout time.Duration
	// Probed is true when a ping was sent and went unanswered.
	Probed bool
}

func (e *StallError) Error() string {
	if e.Probed {
		return fmt.Sprintf("probit: stream stalled: no pong within %s", e.Timeout)
	}
	return fmt.Sprintf("probit: stream stalled: no message within %s", e.Timeout)
}

// cancelled reports whether the caller's context has ended. Errors seen
// after that point are returned as ctx.Err() and never logged as failures.
func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
