package chatsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error taxonomy
// ============================================================================

var (
	// ErrNotFound is returned when an edit or delete targets a message the
	// server no longer has.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the caller does not own the message.
	ErrForbidden = errors.New("forbidden")

	// ErrAckTimeout marks a push send that was not acknowledged in time.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrNotConnected is returned by push operations outside the Connected state.
	ErrNotConnected = errors.New("push channel not connected")

	ErrUnknownMessage = errors.New("unknown message")
	ErrClosed         = errors.New("session closed")
)

// TransportError wraps a network-level failure on either channel.
// It is retried with backoff and never treated as fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthRejectionError is returned when the server refuses the credential,
// either at push registration or on a REST call. The caller must obtain a
// fresh token before retrying.
type AuthRejectionError struct {
	Reason string
}

func (e *AuthRejectionError) Error() string {
	if e.Reason == "" {
		return "credential rejected"
	}
	return "credential rejected: " + e.Reason
}

// APIError represents a REST error the server reported explicitly.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuthRejection reports whether err is (or wraps) an AuthRejectionError.
func IsAuthRejection(err error) bool {
	var ae *AuthRejectionError
	return errors.As(err, &ae)
}
