// Package remote talks to the RehabFlow API: one HTTP request per queued
// item, 2xx or it failed. It also owns the error taxonomy the rest of the
// sync layer keys retry decisions on.
package remote

import (
	"errors"
	"fmt"
)

// NetworkError is a transport failure or an unexpected status. Retryable.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: HTTP %d for %s", e.Status, e.URL)
	}
	return fmt.Sprintf("remote: request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
func (e *NetworkError) Retryable() bool { return true }
func (e *NetworkError) ErrorKind() string { return "network" }

// TimeoutError is a request that ran out of time. Retryable.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: request to %s timed out: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }
func (e *TimeoutError) Retryable() bool { return true }
func (e *TimeoutError) ErrorKind() string { return "timeout" }

// ValidationError is a 4xx the server will never accept. Not retryable.
type ValidationError struct {
	URL    string
	Status int
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote: HTTP %d for %s: %s", e.Status, e.URL, e.Detail)
}

func (e *ValidationError) Retryable() bool { return false }
func (e *ValidationError) ErrorKind() string { return "validation" }

// AuthError is a 401/403; retrying without new credentials is pointless.
type AuthError struct {
	URL    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote: HTTP %d for %s: not authorized", e.Status, e.URL)
}

func (e *AuthError) Retryable() bool { return false }
func (e *AuthError) ErrorKind() string { return "auth" }

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is worth another attempt. Unknown errors
// count as retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
