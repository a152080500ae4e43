package supervisor

import (
	"context"
	"time"
)

// State is the connection lifecycle state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshake
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is one established duplex connection. ReadMessage is only called from
// a single reader goroutine and WriteMessage from a single writer goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a connection authenticated with a realtime token
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// TokenSource issues the short-lived realtime token. It must return an
// error wrapping ErrUnauthorized when the user has to sign in again.
type TokenSource interface {
	FetchRealtimeToken(ctx context.Context) (string, error)
}

// Reporter receives transport errors for observability
type Reporter interface {
	ReportError(err error, fields map[string]any)
}

type nopReporter struct{}

func (nopReporter) ReportError(error, map[string]any) {}

// Config tunes the supervisor
type Config struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	SendBufferSize   int
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		InitialBackoff:   1000 * time.Millisecond,
		MaxBackoff:       30000 * time.Millisecond,
		MaxAttempts:      10,
		HandshakeTimeout: 10 * time.Second,
		SendBufferSize:   256,
	}
}

// Status is a point-in-time view of the supervisor for UI indicators
type Status struct {
	State      State
	Generation uint64
	// Attempt counts consecutive failed attempts
	Attempt int
	// RetryIn is the pending backoff delay while reconnecting
	RetryIn time.Duration
	UserID  int64
	// SyncErr is the most recent transport error
	SyncErr error
	// Terminal is set once retrying stopped; it needs external intervention
	Terminal error
}
