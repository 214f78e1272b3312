package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for provider session failures.
var (
	// ErrNotConnected indicates an operation was attempted without an
	// established backend connection.
	ErrNotConnected = errors.New("provider: not connected")

	// ErrServiceUnavailable indicates the backend port is closed, so no
	// connection attempt was made.
	ErrServiceUnavailable = errors.New("provider: service unavailable")

	// ErrAuthRejected indicates the backend refused our auth token. This is
	// fatal and never retried.
	ErrAuthRejected = errors.New("provider: authentication rejected")

	// ErrConnectionFailed indicates all connection attempts were exhausted.
	ErrConnectionFailed = errors.New("provider: connection failed")

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("provider: session closed")
)

// ConnectionError wraps connection-level failures with retry information.
type ConnectionError struct {
	Reason    string
	Cause     error
	Retryable bool
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider: connection error (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("provider: connection error (%s)", e.Reason)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the connection should be retried.
func (e *ConnectionError) IsRetryable() bool { return e.Retryable }

// NewConnectionError creates a ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause, Retryable: retryable}
}

// IsNotConnected reports whether err is a not-connected error.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// IsRetryable reports whether err is a retryable connection error.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return false
}
