package protocol

import "time"

// WaitingGame is one entry of the "waiting longest" listing, a derived pull
// query invalidated by long_wait_invalidated and your_turn hints
type WaitingGame struct {
	GameID       int64     `json:"game_id"`
	Version      int64     `json:"version"`
	WaitingSince time.Time `json:"waiting_since"`
}
