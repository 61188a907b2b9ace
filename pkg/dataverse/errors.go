package dataverse

import (
	"context"
	"errors"
	"fmt"
)

// AuthenticationError indicates the identity provider rejected the
// client-credentials exchange. It is fatal for the call that triggered it
// and is never retried by the client; the token cache is left empty so a
// later call may attempt a fresh exchange.
type AuthenticationError struct {
	StatusCode int
	Message    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed with status %d: %s", e.StatusCode, e.Message)
}

// NetworkError indicates a transport failure (DNS, connection refused,
// broken connection) before a response could be read.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError indicates the caller-supplied deadline expired before the
// exchange completed. For a batch submission this means the outcome of
// every sub-operation is unknown.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ValidationError indicates a caller bug such as an empty column
// selection or a malformed reference. It is raised before any network
// call is attempted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

// ODataError carries a structured 4xx/5xx returned by the service for a
// CRUD call or a single batch entry.
type ODataError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ODataError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dataverse returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dataverse returned status %d: %s", e.StatusCode, e.Message)
}

// DecodeError indicates a response body did not match the shape the
// requested column selection implies.
type DecodeError struct {
	Column  string
	Message string
}

func (e *DecodeError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("decode error on column %q: %s", e.Column, e.Message)
	}
	return "decode error: " + e.Message
}

// BatchIntegrityError indicates the batch response could not be paired
// with the submitted operations (part count or order mismatch). No
// BatchResult is produced when this is raised.
type BatchIntegrityError struct {
	Expected int
	Got      int
	Message  string
}

func (e *BatchIntegrityError) Error() string {
	return fmt.Sprintf("batch integrity error (expected %d parts, got %d): %s", e.Expected, e.Got, e.Message)
}

// classifyTransportErr maps a transport failure onto the taxonomy.
// Deadline expiry and cancellation become TimeoutError, everything else
// NetworkError.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TimeoutError{Err: err}
	}
	return &NetworkError{Err: err}
}
