// Package errs defines the error taxonomy the transport and queue use to
// decide retry, drop, and disable behavior. Kinds are sentinel errors so
// callers can dispatch with errors.Is without inspecting HTTP responses
// themselves.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap them with fmt.Errorf("...: %w", kind) or use E to
// attach a status code and cause.
var (
	// ErrTransientNetwork marks a network/timeout failure worth retrying.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrRateLimited marks a 429 response; retry honoring Retry-After.
	ErrRateLimited = errors.New("rate limited")
	// ErrValidationRejected marks a 422; the batch is dropped, never retried.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrUnauthorized marks a 401/403; further sends are disabled for the
	// session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrServer marks a 5xx response. Every status >= 500 classifies here;
	// the HTTP caller retries only 500, 502, 503 and 504.
	ErrServer = errors.New("server error")
	// ErrClientBug marks a local invariant violation (serialization failure,
	// malformed operation); only the affected op is dropped.
	ErrClientBug = errors.New("client bug")
	// ErrShutdownIncomplete marks work abandoned when the shutdown grace
	// period expired; non-terminal, logged at WARN.
	ErrShutdownIncomplete = errors.New("shutdown incomplete")
)

// HTTPError carries the status code alongside the classified kind so logs
// keep the raw status while policy code matches on the sentinel.
type HTTPError struct {
	Kind   error
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%v: status %d: %s", e.Kind, e.Status, e.Body)
	}
	return fmt.Sprintf("%v: status %d", e.Kind, e.Status)
}

func (e *HTTPError) Unwrap() error { return e.Kind }

// FromStatus classifies an HTTP status code into a kind sentinel. Statuses
// outside the taxonomy (other 4xx) classify as ErrValidationRejected-adjacent
// terminal failures and are returned as ErrClientBug so the batch is dropped
// without retry.
func FromStatus(status int) error {
	switch {
	case status == 429:
		return ErrRateLimited
	case status == 422:
		return ErrValidationRejected
	case status == 401 || status == 403:
		return ErrUnauthorized
	case status == 408 || status == 425:
		return ErrTransientNetwork
	case status >= 500:
		return ErrServer
	default:
		return ErrClientBug
	}
}

// Retryable reports whether err is of a retryable kind (transient network,
// rate limited, or server error). It looks at the kind only: an ErrServer
// from a status such as 501 reports true although the HTTP caller does not
// retry that status.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServer)
}
