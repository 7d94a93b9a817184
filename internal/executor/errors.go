package executor

import (
	"errors"
	"fmt"
)

// TransportError wraps a failure to get any HTTP response at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response. Message comes from the response
// body's "message" field when present.
type HTTPStatusError struct {
	Status  int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// errorMessage returns the human-facing text stored on a result.
func errorMessage(err error) string {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.Message
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Err.Error()
	}
	return err.Error()
}
