package realtime_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcdev12/tablesync/go/clients"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
)

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

var errEmptyToken = errors.New("token endpoint returned an empty token")

// FetchRealtimeToken requests a short-lived realtime token. A 401 or 403
// means the session itself is gone and is reported as
// supervisor.ErrUnauthorized.
func (c *RealtimeClient) FetchRealtimeToken(ctx context.Context) (string, error) {
	body, err := c.Get(ctx, TokenEndpoint)
	if err != nil {
		if clients.IsStatus(err, http.StatusUnauthorized, http.StatusForbidden) {
			return "", fmt.Errorf("%w: %v", supervisor.ErrUnauthorized, err)
		}
		return "", fmt.Errorf("failed to get realtime token: %w", err)
	}

	var response TokenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if response.Token == "" {
		return "", errEmptyToken
	}

	return response.Token, nil
}
