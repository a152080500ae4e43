package game_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/mcdev12/tablesync/go/internal/realtime/optimistic"
	"github.com/rs/zerolog/log"
)

type SubmitActionRequest struct {
	MutationID string          `json:"mutation_id"`
	GameID     int64           `json:"game_id"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	// ExpectedVersion is omitted when the prediction was made without a
	// server-confirmed version
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
}

type SubmitActionResponse struct {
	Version int64 `json:"version"`
}

// jsonCodec lets Connect carry plain Go structs as application/json
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, msg any) error {
	return json.Unmarshal(data, msg)
}

// Submit sends a mutation. Rejections are classified into
// *optimistic.MutationError kinds.
func (c *GameClient) Submit(ctx context.Context, m optimistic.Mutation) error {
	req := &SubmitActionRequest{
		MutationID: m.ID,
		GameID:     m.Topic.ID,
		Action:     string(m.Action),
		Params:     m.Params,
	}
	if m.ExpectedVersion.Valid {
		v := m.ExpectedVersion.Value
		req.ExpectedVersion = &v
	}

	resp, err := c.submit.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return &optimistic.MutationError{
			Kind:   mutationKind(err),
			Topic:  m.Topic,
			Action: m.Action,
			Err:    fmt.Errorf("submit action: %w", err),
		}
	}

	log.Debug().
		Str("mutation_id", m.ID).
		Int64("game_id", m.Topic.ID).
		Int64("version", resp.Msg.Version).
		Msg("action accepted")
	return nil
}

func mutationKind(err error) optimistic.MutationKind {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return optimistic.KindNetwork
	}

	switch connectErr.Code() {
	case connect.CodeInvalidArgument, connect.CodeOutOfRange:
		return optimistic.KindValidation
	case connect.CodeAborted, connect.CodeFailedPrecondition, connect.CodeAlreadyExists:
		return optimistic.KindConflict
	case connect.CodePermissionDenied, connect.CodeUnauthenticated:
		return optimistic.KindForbidden
	default:
		return optimistic.KindNetwork
	}
}
