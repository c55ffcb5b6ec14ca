package game

import (
	"time"

	"github.com/google/uuid"
)

// Phase represents where a match is in its lifecycle.
type Phase string

const (
	PhaseWarmup      Phase = "WARMUP"
	PhaseInProgress  Phase = "IN_PROGRESS"
	PhaseBetweenSets Phase = "BETWEEN_SETS"
	PhaseCompleted   Phase = "COMPLETED"
)

// Side identifies which side of the court is serving.
type Side string

const (
	SideHome Side = "HOME"
	SideAway Side = "AWAY"
)

// Rules carries the scoring parameters the peers agreed on at match start.
type Rules struct {
	TargetScore int `json:"target_score"`
	WinBy       int `json:"win_by"`
	BestOf      int `json:"best_of"`
}

// Snapshot is the full live-match state, sufficient to reconstruct the
// receiver's view without any prior history.
//
// LastEventAt strictly increases with every locally caused mutation and is
// the primary conflict-resolution key between peers.
type Snapshot struct {
	GameID         uuid.UUID  `json:"game_id"`
	GameType       string     `json:"game_type"`
	HomeScore      int        `json:"home_score"`
	AwayScore      int        `json:"away_score"`
	Completed      bool       `json:"completed"`
	Phase          Phase      `json:"phase"`
	ServingSide    Side       `json:"serving_side"`
	ServerPosition int        `json:"server_position"`
	ElapsedSeconds int        `json:"elapsed_seconds"`
	TimerRunning   bool       `json:"timer_running"`
	TimerStartedAt *time.Time `json:"timer_started_at,omitempty"`
	LastEventAt    time.Time  `json:"last_event_at"`
	DeviceID       string     `json:"device_id"`
	Rules          Rules      `json:"rules"`
}

// Delta is a single incremental change applied atop existing state.
type Delta struct {
	GameID         uuid.UUID `json:"game_id"`
	Event          string    `json:"event"`
	HomeScore      int       `json:"home_score"`
	AwayScore      int       `json:"away_score"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	LastEventAt    time.Time `json:"last_event_at"`
	DeviceID       string    `json:"device_id"`
}

// MoreRecentThan reports whether s supersedes other under the last-writer-wins
// order: a strictly later LastEventAt wins; on an exact tie the greater
// ElapsedSeconds wins. The order is total, so applying two states in either
// order converges on the same winner.
func (s Snapshot) MoreRecentThan(other Snapshot) bool {
	if !s.LastEventAt.Equal(other.LastEventAt) {
		return s.LastEventAt.After(other.LastEventAt)
	}
	return s.ElapsedSeconds > other.ElapsedSeconds
}

// Supersedes reports whether the delta carries newer information than the
// given snapshot, using the same order as MoreRecentThan.
func (d Delta) Supersedes(s Snapshot) bool {
	if !d.LastEventAt.Equal(s.LastEventAt) {
		return d.LastEventAt.After(s.LastEventAt)
	}
	return d.ElapsedSeconds > s.ElapsedSeconds
}

// ApplyDelta folds a delta into a snapshot, returning the updated snapshot.
// Callers are expected to have checked Supersedes first; ApplyDelta itself
// does not reorder.
func ApplyDelta(s Snapshot, d Delta) Snapshot {
	s.HomeScore = d.HomeScore
	s.AwayScore = d.AwayScore
	s.ElapsedSeconds = d.ElapsedSeconds
	s.LastEventAt = d.LastEventAt
	s.DeviceID = d.DeviceID
	return s
}
