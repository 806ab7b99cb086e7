package sprintpilot

import (
	"fmt"
	"net/url"

	"github.com/vango-go/sprintpilot/pkg/core"
)

// Error is the SDK-level alias for the canonical core error type.
type Error = core.Error

// Error types.
const (
	ErrInvalidRequest = core.ErrInvalidRequest
	ErrAuthentication = core.ErrAuthentication
	ErrPermission     = core.ErrPermission
	ErrSignaling      = core.ErrSignaling
	ErrTransport      = core.ErrTransport
	ErrChannel        = core.ErrChannel
	ErrRemote         = core.ErrRemote
	ErrStream         = core.ErrStream
)

// Error constructors.
var (
	NewInvalidRequestError = core.NewInvalidRequestError
	NewAuthenticationError = core.NewAuthenticationError
	NewPermissionError     = core.NewPermissionError
	NewSignalingError      = core.NewSignalingError
	NewRemoteError         = core.NewRemoteError
)

// TransportError represents HTTP/dial-level failures (DNS, timeouts,
// connection reset, TLS handshake) while talking to an endpoint.
//
// Use errors.As(err, &TransportError{}) to distinguish transport failures
// from canonical API errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
