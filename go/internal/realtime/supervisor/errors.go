package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned by token sources when the user session is no
	// longer valid. It ends the reconnect loop.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrHandshakeTimeout means hello_ack did not arrive in time
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrNotConnected is returned when sending without a live connection
	ErrNotConnected = errors.New("not connected")

	// Terminal errors. The supervisor stops retrying until Connect is called.
	ErrAuthRequired      = errors.New("re-authentication required")
	ErrRetriesExhausted  = errors.New("reconnect attempts exhausted")
	ErrProtocolMismatch  = errors.New("realtime protocol mismatch")
	errSendBufferOverrun = errors.New("send buffer full")
)

// TransportError is a failure of the duplex connection itself. The reconnect
// loop recovers from it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TokenFetchError wraps a failure to obtain the realtime token. It is fatal
// when it wraps ErrUnauthorized and transient otherwise.
type TokenFetchError struct {
	Err error
}

func (e *TokenFetchError) Error() string {
	return fmt.Sprintf("fetch realtime token: %v", e.Err)
}

func (e *TokenFetchError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the failure requires re-authentication
func (e *TokenFetchError) Fatal() bool {
	return errors.Is(e.Err, ErrUnauthorized)
}

// Remediation returns user-facing text for a terminal error
func Remediation(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired):
		return "Your session has expired. Sign in again to resume live updates."
	case errors.Is(err, ErrProtocolMismatch):
		return "This client is out of date. Reload the app to continue."
	case errors.Is(err, ErrRetriesExhausted):
		return "Live updates stopped after repeated connection failures. Check your network and reconnect."
	default:
		return "Live updates stopped. Reconnect to try again."
	}
}
