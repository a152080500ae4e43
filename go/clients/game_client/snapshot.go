package game_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/mcdev12/tablesync/go/internal/realtime/resync"
)

// FetchSnapshot performs a conditional snapshot fetch. The version of the
// snapshot is carried by its ETag.
func (c *GameClient) FetchSnapshot(ctx context.Context, topic protocol.Topic, cachingToken string) (resync.Snapshot, error) {
	if topic.Kind != protocol.KindGame {
		return resync.Snapshot{}, fmt.Errorf("no snapshot endpoint for topic kind %q", topic.Kind)
	}

	header := http.Header{}
	if cachingToken != "" {
		header.Set(IfNoneMatchHeader, cachingToken)
	}

	endpoint := fmt.Sprintf(SnapshotEndpoint, topic.ID)
	resp, err := c.Do(ctx, http.MethodGet, endpoint, nil, header)
	if err != nil {
		return resync.Snapshot{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	if resp.StatusCode == http.StatusNotModified {
		return resync.Snapshot{NotModified: true, ETag: resp.Header.Get(ETagHeader)}, nil
	}

	etag := resp.Header.Get(ETagHeader)
	gameID, version, err := protocol.ParseGameETag(etag)
	if err != nil {
		return resync.Snapshot{}, fmt.Errorf("snapshot without usable etag: %w", err)
	}
	if gameID != topic.ID {
		return resync.Snapshot{}, fmt.Errorf("snapshot etag %s does not belong to game %d", etag, topic.ID)
	}
	if !json.Valid(resp.Body) {
		return resync.Snapshot{}, fmt.Errorf("failed to unmarshal response: invalid json, raw response: %s", string(resp.Body))
	}

	return resync.Snapshot{
		Version: version,
		Payload: json.RawMessage(resp.Body),
		ETag:    etag,
	}, nil
}
