package pool

import "fmt"

// TransportError reports a failed HTTP exchange with a backend: a network
// error, or a response with status >= 400. Both count against the retry
// budget.
type TransportError struct {
	Server     string
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("server %s: %s returned status %d", e.Server, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("server %s: %s failed: %v", e.Server, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError reports a request the pool refuses to issue: an unknown
// server key or an unsupported HTTP verb.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
