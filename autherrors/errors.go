package autherrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes surfaced by the auth client
var (
	// ErrValidation is returned when input is rejected before any network call
	ErrValidation = errors.New("validation error")

	// ErrAuthenticationExpired marks a 401 that the request pipeline is still
	// allowed to recover from. Callers never see it unless they inspect the
	// cause of an ErrAuthenticationFailed.
	ErrAuthenticationExpired = errors.New("authentication expired")

	// ErrAuthenticationFailed is terminal for the call that returns it. When
	// the renewal failed the credential has been cleared; when only the
	// reissued request was rejected the renewed credential is kept.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrNoCredential is returned by operations that need a held credential
	ErrNoCredential = errors.New("no credential held")

	// ErrClosed is returned after a component has been shut down
	ErrClosed = errors.New("closed")
)

// NetworkError means no response was received for a request.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RequestRejected carries a non-401 error response (or a 401 from an endpoint
// that is excluded from recovery) back to the caller.
type RequestRejected struct {
	StatusCode int
	Message    string
	Code       string // "error" field of the response body, if any
}

func (e *RequestRejected) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request rejected: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("request rejected: %d: %s", e.StatusCode, e.Message)
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsTerminal reports whether err ends the current session.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// StatusCode returns the HTTP status carried by err, or 0 when the error has
// no response attached.
func StatusCode(err error) int {
	var rejected *RequestRejected
	if errors.As(err, &rejected) {
		return rejected.StatusCode
	}
	if errors.Is(err, ErrAuthenticationFailed) {
		return http.StatusUnauthorized
	}
	return 0
}

// AuthenticationFailed marks cause as a terminal authentication failure.
// errors.Is matches both ErrAuthenticationFailed and cause.
func AuthenticationFailed(cause error) error {
	if cause == nil {
		return ErrAuthenticationFailed
	}
	return fmt.Errorf("%w: %w", ErrAuthenticationFailed, cause)
}
