package sync

import (
	gosync "sync"

	"github.com/openscore/wearsync/internal/game"
	"github.com/openscore/wearsync/internal/roster"
)

// LiveStore is the domain live-state collaborator: the current match
// snapshot plus the mutation the coordinator performs when inbound state
// wins conflict resolution.
type LiveStore interface {
	Current() (game.Snapshot, bool)
	SetCurrent(game.Snapshot)
}

// RosterStore is the domain roster collaborator. *roster.Roster satisfies
// it directly.
type RosterStore interface {
	Snapshot() roster.Snapshot
	Replace(roster.Snapshot)
	ApplyUpsert(roster.Upsert)
	ApplyPrune(roster.Prune)
}

// HistoryStore supplies finished-match summaries for history requests.
type HistoryStore interface {
	Summaries() []game.Summary
}

// MemoryLiveStore is a process-local LiveStore.
type MemoryLiveStore struct {
	mu      gosync.Mutex
	current game.Snapshot
	present bool
}

// NewMemoryLiveStore returns an empty live store.
func NewMemoryLiveStore() *MemoryLiveStore {
	return &MemoryLiveStore{}
}

func (s *MemoryLiveStore) Current() (game.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.present
}

func (s *MemoryLiveStore) SetCurrent(snap game.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = snap
	s.present = true
}
