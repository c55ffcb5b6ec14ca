package roster

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Handedness records which hand a player favors.
type Handedness string

const (
	HandednessRight Handedness = "RIGHT"
	HandednessLeft  Handedness = "LEFT"
)

// Player represents one roster entry shared between the peers.
type Player struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Handedness Handedness `json:"handedness"`
	Ranking    int        `json:"ranking"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Snapshot is the full roster, sufficient to replace the receiver's copy.
type Snapshot struct {
	Players []Player `json:"players"`
}

// Upsert inserts or replaces a single player by ID.
type Upsert struct {
	Player Player `json:"player"`
}

// Prune removes a single player by ID. Callers rewrite any references to the
// player before pruning, so a prune never orphans a reference here.
type Prune struct {
	PlayerID uuid.UUID `json:"player_id"`
}

// Roster is a map-backed player set keyed by player ID.
//
// All merge operations are commutative and idempotent: any arrival order of
// the same change set converges on the same roster, and re-applying a change
// is a no-op. The sync layer relies on this to tolerate duplicate delivery.
type Roster struct {
	players map[uuid.UUID]Player
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{players: make(map[uuid.UUID]Player)}
}

// Replace discards the current contents and installs the snapshot.
func (r *Roster) Replace(snap Snapshot) {
	r.players = make(map[uuid.UUID]Player, len(snap.Players))
	for _, p := range snap.Players {
		r.players[p.ID] = p
	}
}

// ApplyUpsert inserts or replaces the player by ID.
func (r *Roster) ApplyUpsert(u Upsert) {
	r.players[u.Player.ID] = u.Player
}

// ApplyPrune removes the player by ID. Pruning an absent player is a no-op.
func (r *Roster) ApplyPrune(p Prune) {
	delete(r.players, p.PlayerID)
}

// Get returns the player with the given ID, if present.
func (r *Roster) Get(id uuid.UUID) (Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

// Len returns the number of players on the roster.
func (r *Roster) Len() int {
	return len(r.players)
}

// Snapshot returns the roster as a full change set, players ordered by ID so
// two equal rosters produce identical snapshots.
func (r *Roster) Snapshot() Snapshot {
	players := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID.String() < players[j].ID.String()
	})
	return Snapshot{Players: players}
}
