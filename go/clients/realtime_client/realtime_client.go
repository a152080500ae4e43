package realtime_client

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/tablesync/go/clients"
)

// ConnectionConfig holds configuration for the realtime socket
type ConnectionConfig struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      3 * ServerHeartbeat,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   1 << 20, // game snapshots carry full hands and trick history
		ReadBufferSize:   4096,
		WriteBufferSize:  1024,
	}
}

// RealtimeClient issues realtime tokens and dials the realtime socket. It
// implements supervisor.TokenSource and supervisor.Dialer.
type RealtimeClient struct {
	*clients.BaseClient
	wsURL  string
	dialer *websocket.Dialer
	config ConnectionConfig
}

// NewRealtimeClient creates a client for the backend at baseURL, authenticated
// with the user's session token
func NewRealtimeClient(baseURL, sessionToken string, config ConnectionConfig) (*RealtimeClient, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	client := &RealtimeClient{
		BaseClient: clients.NewBaseClient(baseURL),
		wsURL:      wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
		config: config,
	}
	client.SetBearerToken(sessionToken)

	return client, nil
}

// websocketURL maps http(s)://host/prefix onto ws(s)://host/prefix/ws
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + WebSocketPath
	u.RawQuery = ""
	return u.String(), nil
}
