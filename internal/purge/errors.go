package purge

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigurationMissing reports that no settings exist for the purger.
	ErrConfigurationMissing = errors.New("purge: purger settings missing")
	// ErrKindUnsupported reports an invalidation kind outside SupportedKinds.
	ErrKindUnsupported = errors.New("purge: invalidation kind unsupported")
	// ErrKindDisabled reports a kind the purger settings switched off.
	ErrKindDisabled = errors.New("purge: invalidation kind disabled")
)

// MalformedExpressionError reports input that cannot be parsed as its kind requires.
type MalformedExpressionError struct {
	Kind       Kind
	Expression string
	Err        error
}

func (e *MalformedExpressionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("purge: %s invalidation failed with %q: %v", e.Kind, e.Expression, e.Err)
	}
	return fmt.Sprintf("purge: %s invalidation failed with %q", e.Kind, e.Expression)
}

func (e *MalformedExpressionError) Unwrap() error { return e.Err }

// ConnectionError is a transport-level dispatch failure: timeouts, refused
// connections, DNS failures.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("purge: http request for %s responded with %v", e.URI, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError is any other dispatch failure, including rejected statuses.
type RequestError struct {
	URI    string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("purge: request to %s failed with status %d: %v", e.URI, e.Status, e.Err)
	}
	return fmt.Sprintf("purge: request to %s failed: %v", e.URI, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
