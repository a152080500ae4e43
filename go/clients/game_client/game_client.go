package game_client

import (
	"context"

	"connectrpc.com/connect"
	"github.com/mcdev12/tablesync/go/clients"
)

// GameClient talks to the game HTTP API: snapshots for resync, the waiting
// games listing, and action submission over Connect.
type GameClient struct {
	*clients.BaseClient
	submit *connect.Client[SubmitActionRequest, SubmitActionResponse]
}

func NewGameClient(baseURL, sessionToken string) *GameClient {
	client := &GameClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	client.SetHeader(JsonHeader, JsonContentType)
	client.SetBearerToken(sessionToken)

	client.submit = connect.NewClient[SubmitActionRequest, SubmitActionResponse](
		client.HTTPClient(),
		baseURL+SubmitActionProcedure,
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(client.authInterceptor()),
	)

	return client
}

// authInterceptor forwards the session credentials to Connect calls
func (c *GameClient) authInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if auth := c.Header().Get("Authorization"); auth != "" {
				req.Header().Set("Authorization", auth)
			}
			return next(ctx, req)
		}
	}
}
