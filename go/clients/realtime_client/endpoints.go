package realtime_client

import "time"

const (
	// API Endpoints
	TokenEndpoint = "/api/ws/token"
	WebSocketPath = "/ws"

	// Query parameters
	TokenParam = "token"

	// ServerHeartbeat is how often the backend pings idle sockets
	ServerHeartbeat = 20 * time.Second
)
