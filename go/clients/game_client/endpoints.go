package game_client

const (
	// API Endpoints
	SnapshotEndpoint     = "/api/games/%d/snapshot"
	WaitingGamesEndpoint = "/api/games/waiting-longest"

	// Connect procedures
	SubmitActionProcedure = "/tablesync.game.v1.GameService/SubmitAction"

	// Headers
	IfNoneMatchHeader = "If-None-Match"
	ETagHeader        = "ETag"
	JsonHeader        = "Accept"
	JsonContentType   = "application/json"
)
