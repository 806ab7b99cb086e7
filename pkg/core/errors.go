// Package core holds the canonical error taxonomy shared by the SDK and its
// transports.
package core

import (
	"fmt"
)

// Error represents a failure surfaced by the facilitator core.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrInvalidRequest covers malformed or unusable local input.
	ErrInvalidRequest ErrorType = "invalid_request_error"
	// ErrAuthentication covers a missing or rejected API key.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrPermission covers denied access to the local capture device.
	ErrPermission ErrorType = "permission_error"
	// ErrSignaling covers a failed SDP exchange with the realtime endpoint.
	ErrSignaling ErrorType = "signaling_error"
	// ErrTransport covers media/connection failures after signaling.
	ErrTransport ErrorType = "transport_error"
	// ErrChannel covers event-channel level failures on an open session.
	ErrChannel ErrorType = "channel_error"
	// ErrRemote carries an error event reported by the remote endpoint.
	ErrRemote ErrorType = "remote_error"
	// ErrStream covers failures of a streamed completion turn.
	ErrStream ErrorType = "stream_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewPermissionError creates a capture-device permission error.
func NewPermissionError(message string) *Error {
	return &Error{Type: ErrPermission, Message: message}
}

// NewSignalingError creates a signaling error carrying the HTTP status, if any.
func NewSignalingError(message string, statusCode int) *Error {
	return &Error{Type: ErrSignaling, Message: message, StatusCode: statusCode}
}

// NewTransportError creates a media/connection transport error.
func NewTransportError(message string) *Error {
	return &Error{Type: ErrTransport, Message: message}
}

// NewChannelError creates an event-channel error.
func NewChannelError(message string) *Error {
	return &Error{Type: ErrChannel, Message: message}
}

// NewRemoteError wraps an error event reported by the remote endpoint.
func NewRemoteError(message, code string) *Error {
	return &Error{Type: ErrRemote, Message: message, Code: code}
}

// NewStreamError creates a streamed-completion error carrying the HTTP
// status, if any.
func NewStreamError(message string, statusCode int) *Error {
	return &Error{Type: ErrStream, Message: message, StatusCode: statusCode}
}
