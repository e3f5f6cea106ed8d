package delegate

import (
	"errors"
	"fmt"
)

// retryableError marks a transport failure worth another attempt
// (connection errors, timeouts, HTTP 5xx).
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryableError reports whether the delegation attempt may be retried.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// RejectedError is a non-retryable HTTP 4xx rejection from a collaborator.
type RejectedError struct {
	Role       string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s collaborator rejected request (%d): %s", e.Role, e.StatusCode, snippet(e.Body))
}

// ErrRetriesExhausted wraps the last transport error once the attempt cap
// is reached. The caller decides session-level consequences.
var ErrRetriesExhausted = errors.New("delegation retries exhausted")
