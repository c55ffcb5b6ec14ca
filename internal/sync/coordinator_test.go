package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscore/wearsync/internal/game"
	"github.com/openscore/wearsync/internal/link"
	"github.com/openscore/wearsync/internal/roster"
	"github.com/openscore/wearsync/internal/transport"
	"github.com/openscore/wearsync/internal/transport/inmem"
	"github.com/openscore/wearsync/internal/wire"
)

// recorder captures handler callbacks for assertions.
type recorder struct {
	mu         gosync.Mutex
	liveStates []game.Snapshot
	rosters    []roster.Snapshot
	requests   int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		LiveState: func(s game.Snapshot) {
			r.mu.Lock()
			r.liveStates = append(r.liveStates, s)
			r.mu.Unlock()
		},
		RosterChanged: func(s roster.Snapshot) {
			r.mu.Lock()
			r.rosters = append(r.rosters, s)
			r.mu.Unlock()
		},
		StartRequest: func() {
			r.mu.Lock()
			r.requests++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) liveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveStates)
}

func (r *recorder) lastLive() (game.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.liveStates) == 0 {
		return game.Snapshot{}, false
	}
	return r.liveStates[len(r.liveStates)-1], true
}

func (r *recorder) rosterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rosters)
}

type peer struct {
	coord *Coordinator
	live  *MemoryLiveStore
	ros   *roster.Roster
	rec   *recorder
}

func newPeer(ep *inmem.Endpoint, clock clockwork.Clock) *peer {
	p := &peer{
		live: NewMemoryLiveStore(),
		ros:  roster.New(),
		rec:  &recorder{},
	}
	p.coord = New(ep, link.NewMemoryCounterStore(), p.live, p.ros,
		WithClock(clock),
		WithHandlers(p.rec.handlers()),
	)
	return p
}

func snapshotAt(gameID uuid.UUID, ts time.Time, home int) game.Snapshot {
	return game.Snapshot{
		GameID:         gameID,
		GameType:       "pickleball",
		HomeScore:      home,
		Phase:          game.PhaseInProgress,
		ElapsedSeconds: home * 60,
		LastEventAt:    ts,
		DeviceID:       "phone",
		Rules:          game.Rules{TargetScore: 11, WinBy: 2, BestOf: 3},
	}
}

func TestCoordinator_PublishBeforeStart(t *testing.T) {
	pair := inmem.NewPair()
	p := newPeer(pair.A(), clockwork.NewFakeClock())

	err := p.coord.PublishLiveDelta(game.Delta{Event: "point"})
	require.ErrorIs(t, err, ErrSessionUnavailable)
}

func TestCoordinator_UnsupportedTransport(t *testing.T) {
	pair := inmem.NewPair()
	pair.A().SetSupported(false)
	p := newPeer(pair.A(), clockwork.NewFakeClock())

	err := p.coord.Start(context.Background())
	require.ErrorIs(t, err, ErrTransportUnsupported)
	assert.Equal(t, link.StatusUnavailable, p.coord.Status())
}

func TestCoordinator_LiveSnapshotFlowsToPeer(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	gameID := uuid.New()
	snap := snapshotAt(gameID, time.Now().UTC().Truncate(time.Millisecond), 3)
	require.NoError(t, a.coord.PublishLiveSnapshot(snap))

	require.Eventually(t, func() bool {
		got, ok := b.live.Current()
		return ok && got.HomeScore == 3 && got.GameID == gameID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.rec.liveCount())
}

func TestCoordinator_StaleReplayDiscarded(t *testing.T) {
	// An older snapshot delayed by a durable-transfer replay must not
	// regress newer state on the receiver.
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	gameID := uuid.New()
	base := time.Now().UTC().Truncate(time.Millisecond)
	newer := snapshotAt(gameID, base.Add(10*time.Second), 7)
	older := snapshotAt(gameID, base, 5)

	require.NoError(t, a.coord.PublishLiveSnapshot(newer))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.coord.PublishLiveSnapshot(older))
	time.Sleep(100 * time.Millisecond)

	got, ok := b.live.Current()
	require.True(t, ok)
	assert.Equal(t, 7, got.HomeScore, "newer state retained")
	assert.Equal(t, 1, b.rec.liveCount(), "stale replay produced no callback")
}

func TestCoordinator_PendingSendsFlushFIFO(t *testing.T) {
	// Publishes attempted before activation are buffered and flushed in
	// submission order once activation succeeds, with no loss.
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	b := newPeer(pair.B(), clockwork.NewFakeClock())
	require.NoError(t, b.coord.Start(ctx))
	defer b.coord.Stop()

	pair.A().FailActivations(1)
	a := newPeer(pair.A(), clock)
	require.NoError(t, a.coord.Start(ctx), "activation failure falls back to queued sends")
	defer a.coord.Stop()

	p1 := roster.Player{ID: uuid.New(), Name: "Dana", UpdatedAt: time.Now().UTC()}
	p2 := roster.Player{ID: uuid.New(), Name: "Kim", UpdatedAt: time.Now().UTC()}
	require.NoError(t, a.coord.PublishRosterUpsert(roster.Upsert{Player: p1}))
	require.NoError(t, a.coord.PublishRosterUpsert(roster.Upsert{Player: p2}))
	require.NoError(t, a.coord.PublishRosterPrune(roster.Prune{PlayerID: p1.ID}))
	assert.Zero(t, b.rec.rosterCount(), "nothing delivered before activation")

	// The retry loop reconnects after the first backoff.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(link.Backoff(0))

	require.Eventually(t, func() bool { return b.rec.rosterCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	// FIFO flush: upsert p1, upsert p2, prune p1 leaves exactly p2.
	assert.Equal(t, 1, b.ros.Len())
	_, ok := b.ros.Get(p2.ID)
	assert.True(t, ok)
}

func TestCoordinator_UnreachableDeltaAppliedExactlyOnce(t *testing.T) {
	// With the peer out of range a small delta dual-writes to shared state
	// and the durable queue; after reconnect the receiver applies exactly
	// one resulting update despite the duplicate delivery.
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	gameID := uuid.New()
	base := time.Now().UTC().Truncate(time.Millisecond)
	seed := snapshotAt(gameID, base, 3)
	require.NoError(t, a.coord.PublishLiveSnapshot(seed))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	pair.SetReachable(false)

	delta := game.Delta{
		GameID:         gameID,
		Event:          "point",
		HomeScore:      4,
		ElapsedSeconds: 200,
		LastEventAt:    base.Add(5 * time.Second),
		DeviceID:       "phone",
	}
	require.NoError(t, a.coord.PublishLiveDelta(delta))
	assert.Equal(t, 1, pair.A().DurableQueueLen(), "delta queued durably while unreachable")
	assert.NotEmpty(t, pair.A().SharedState(), "delta written to the register while unreachable")

	pair.SetReachable(true)

	require.Eventually(t, func() bool {
		got, ok := b.live.Current()
		return ok && got.HomeScore == 4
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, b.rec.liveCount(), "seed snapshot plus exactly one delta application")
}

func TestCoordinator_LargeSnapshotGoesDurable(t *testing.T) {
	// A roster snapshot over 60 KiB bypasses the shared-state register even
	// while the peer is reachable.
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	players := make([]roster.Player, 600)
	for i := range players {
		players[i] = roster.Player{ID: uuid.New(), Name: "Player with a fairly long display name", Ranking: i}
	}
	require.NoError(t, a.coord.PublishRosterSnapshot(roster.Snapshot{Players: players}))

	require.Eventually(t, func() bool { return b.ros.Len() == 600 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, pair.A().SharedState(), "register untouched for oversized payloads")
}

func TestCoordinator_DuplicateDurableReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	p := roster.Player{ID: uuid.New(), Name: "Dana", UpdatedAt: time.Now().UTC()}
	data, err := wire.Encode(wire.KindRosterUpsert, a.coord.SessionID(), roster.Upsert{Player: p})
	require.NoError(t, err)
	require.NoError(t, pair.A().SendDurable(data))

	require.Eventually(t, func() bool { return b.ros.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	pair.A().ReplayDurable()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, b.ros.Len(), "replayed upsert is a no-op")
}

func TestCoordinator_StaleSessionDiscardedAfterRestart(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer b.coord.Stop()

	gameID := uuid.New()
	base := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, a.coord.PublishLiveSnapshot(snapshotAt(gameID, base, 2)))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	oldSession := a.coord.SessionID()
	a.coord.Stop()
	require.NotEqual(t, oldSession, a.coord.SessionID(), "stop rotates the session")

	require.NoError(t, a.coord.Start(ctx))
	defer a.coord.Stop()
	require.NoError(t, a.coord.PublishLiveSnapshot(snapshotAt(gameID, base.Add(time.Minute), 5)))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	// A replayed frame from the retired session is discarded even though
	// its timestamp would win conflict resolution.
	stale, err := wire.Encode(wire.KindLiveSnapshot, oldSession, snapshotAt(gameID, base.Add(time.Hour), 9))
	require.NoError(t, err)
	require.NoError(t, pair.A().SendDurable(stale))
	time.Sleep(100 * time.Millisecond)

	got, ok := b.live.Current()
	require.True(t, ok)
	assert.Equal(t, 5, got.HomeScore)
	assert.Equal(t, 2, b.rec.liveCount())
}

func TestCoordinator_RosterRequestAnswered(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	p := roster.Player{ID: uuid.New(), Name: "Dana", UpdatedAt: time.Now().UTC()}
	a.ros.ApplyUpsert(roster.Upsert{Player: p})

	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	require.NoError(t, b.coord.RequestRoster())

	require.Eventually(t, func() bool { return b.ros.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got, ok := b.ros.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, "Dana", got.Name)
}

func TestCoordinator_CorruptInboundDropped(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	require.NoError(t, pair.A().SendDurable([]byte("{not json")))
	time.Sleep(50 * time.Millisecond)

	// The coordinator keeps working after dropping the corrupt frame.
	require.NoError(t, a.coord.PublishLiveSnapshot(snapshotAt(uuid.New(), time.Now().UTC(), 1)))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_StartRequestReachesHandler(t *testing.T) {
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	require.NoError(t, b.coord.RequestStart())

	require.Eventually(t, func() bool {
		a.rec.mu.Lock()
		defer a.rec.mu.Unlock()
		return a.rec.requests == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_HandlerMayPublishFromSerializedContext(t *testing.T) {
	// A start-request handler answers with the match configuration and an
	// ack. Both publishes originate inside the apply goroutine and must
	// complete rather than wedge the loop.
	ctx := context.Background()
	pair := inmem.NewPair()
	pair.SetReachable(true)
	clock := clockwork.NewFakeClock()

	a, b := newPeer(pair.A(), clock), newPeer(pair.B(), clock)
	a.coord.handlers.StartRequest = func() {
		cfg := game.StartConfig{GameType: "pickleball", Rules: game.Rules{TargetScore: 11, WinBy: 2, BestOf: 3}}
		require.NoError(t, a.coord.PublishStartConfig(cfg))
		require.NoError(t, a.coord.PublishAck(wire.KindStartRequest))
	}

	var (
		mu   gosync.Mutex
		cfgs []game.StartConfig
		acks []wire.Ack
	)
	b.coord.handlers.StartConfig = func(cfg game.StartConfig) {
		mu.Lock()
		cfgs = append(cfgs, cfg)
		mu.Unlock()
	}
	b.coord.handlers.Ack = func(a wire.Ack) {
		mu.Lock()
		acks = append(acks, a)
		mu.Unlock()
	}

	require.NoError(t, a.coord.Start(ctx))
	require.NoError(t, b.coord.Start(ctx))
	defer a.coord.Stop()
	defer b.coord.Stop()

	require.NoError(t, b.coord.RequestStart())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cfgs) == 1 && len(acks) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 11, cfgs[0].Rules.TargetScore)
	assert.Equal(t, wire.KindStartRequest, acks[0].AckedType)

	// The apply loop is still live after the publishing handler returned.
	require.NoError(t, a.coord.PublishLiveSnapshot(snapshotAt(uuid.New(), time.Now().UTC(), 1)))
	require.Eventually(t, func() bool { return b.rec.liveCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

// Compile-time check that the coordinator satisfies the transport delegate.
var _ transport.Delegate = (*Coordinator)(nil)
