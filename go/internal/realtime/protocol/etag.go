package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// GameETag builds the entity tag the server attaches to game snapshots,
// e.g. "game-123-v5" including the surrounding quotes.
func GameETag(gameID int64, version int64) string {
	return fmt.Sprintf(`"game-%d-v%d"`, gameID, version)
}

// ParseGameETag extracts the game id and version from a tag built by GameETag.
// Weak tags (W/ prefix) are accepted.
func ParseGameETag(etag string) (gameID int64, version int64, err error) {
	tag := strings.TrimPrefix(strings.TrimSpace(etag), "W/")
	tag = strings.Trim(tag, `"`)

	rest, ok := strings.CutPrefix(tag, "game-")
	if !ok {
		return 0, 0, fmt.Errorf("etag %q: missing game prefix", etag)
	}
	idPart, versionPart, ok := strings.Cut(rest, "-v")
	if !ok {
		return 0, 0, fmt.Errorf("etag %q: missing version", etag)
	}

	gameID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("etag %q: parse game id: %w", etag, err)
	}
	version, err = strconv.ParseInt(versionPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("etag %q: parse version: %w", etag, err)
	}
	return gameID, version, nil
}
