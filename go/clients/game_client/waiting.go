package game_client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
)

type WaitingGamesResponse struct {
	Games []protocol.WaitingGame `json:"games"`
}

// FetchWaitingGames lists the viewer's games that have waited longest for an
// action, oldest first
func (c *GameClient) FetchWaitingGames(ctx context.Context) ([]protocol.WaitingGame, error) {
	body, err := c.Get(ctx, WaitingGamesEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get waiting games: %w", err)
	}

	var response WaitingGamesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}

	return response.Games, nil
}
