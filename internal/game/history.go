package game

import (
	"time"

	"github.com/google/uuid"
)

// Summary is a condensed record of a finished match, exchanged so the
// companion can show recent results without holding full match history.
type Summary struct {
	GameID      uuid.UUID `json:"game_id"`
	GameType    string    `json:"game_type"`
	HomeScore   int       `json:"home_score"`
	AwayScore   int       `json:"away_score"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    string    `json:"duration"`
}

// StartConfig is the configuration the primary proposes when the companion
// asks to start a new match.
type StartConfig struct {
	GameType      string      `json:"game_type"`
	Rules         Rules       `json:"rules"`
	HomePlayerIDs []uuid.UUID `json:"home_player_ids"`
	AwayPlayerIDs []uuid.UUID `json:"away_player_ids"`
	ProposedAt    time.Time   `json:"proposed_at"`
}
