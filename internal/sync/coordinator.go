package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openscore/wearsync/internal/game"
	"github.com/openscore/wearsync/internal/link"
	"github.com/openscore/wearsync/internal/roster"
	"github.com/openscore/wearsync/internal/transport"
	"github.com/openscore/wearsync/internal/wire"
)

// inboundBuffer bounds the channel between the platform delegate and the
// apply loop. The delegate blocks rather than drops when it fills, so
// durable replays are never lost at this seam.
const inboundBuffer = 64

// pendingSend is a publish attempted before activation, held until the
// post-activation flush.
type pendingSend struct {
	payload []byte
	class   transport.Class
}

// Handlers are the domain callbacks invoked from the coordinator's
// serialized context when inbound state has been applied. All fields are
// optional; set them before Start.
type Handlers struct {
	LiveState        func(game.Snapshot)
	RosterChanged    func(roster.Snapshot)
	HistorySummaries func([]game.Summary)
	StartConfig      func(game.StartConfig)
	StartRequest     func()
	Ack              func(wire.Ack)
	PeerError        func(wire.ErrorPayload)
	StatusChanged    func(link.Status)
}

// Coordinator owns what to publish when and how inbound state is applied.
//
// All shared state is mutated under one mutex, and inbound traffic is
// funnelled through a single apply goroutine, so publishes and applies never
// interleave mid-mutation. Platform callbacks arrive on arbitrary goroutines
// and only ever enqueue.
type Coordinator struct {
	ch    *transport.Channel
	ctrl  *link.Controller
	live  LiveStore
	ros   RosterStore
	hist  HistoryStore
	clock clockwork.Clock

	handlers Handlers

	mu          gosync.Mutex
	started     bool
	session     uuid.UUID
	peerSession uuid.UUID
	retired     map[uuid.UUID]bool
	pending     []pendingSend

	inbound  chan []byte
	loopCtx  context.Context
	loopStop context.CancelFunc
}

// Option customizes coordinator construction.
type Option func(*Coordinator)

// WithClock injects the clock used for activation polling and backoff.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithHistoryStore supplies finished-match summaries for history requests.
func WithHistoryStore(hist HistoryStore) Option {
	return func(c *Coordinator) { c.hist = hist }
}

// WithHandlers installs the domain callbacks.
func WithHandlers(h Handlers) Option {
	return func(c *Coordinator) { c.handlers = h }
}

// New builds a coordinator over the given platform transport. The retry
// controller and delivery channel are wired here so the pending-send queue
// flushes on every successful activation.
func New(tr transport.Transport, counters link.CounterStore, live LiveStore, ros RosterStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:      transport.NewChannel(tr),
		live:    live,
		ros:     ros,
		clock:   clockwork.NewRealClock(),
		session: uuid.New(),
		retired: make(map[uuid.UUID]bool),
		inbound: make(chan []byte, inboundBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctrl = link.New(tr, counters, c.clock, c.flushPending)
	return c
}

// Status returns the tri-state reachability view. This is the only
// connection signal the coordinator surfaces.
func (c *Coordinator) Status() link.Status {
	return c.ctrl.Status()
}

// SessionID returns the current outbound session identifier.
func (c *Coordinator) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Start installs the transport delegate, launches the apply loop, and
// requests activation. An unsupported transport returns
// ErrTransportUnsupported and disables sync; an activation failure is not an
// error (sends queue until the retry loop reconnects).
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.loopCtx, c.loopStop = context.WithCancel(ctx)
	c.mu.Unlock()

	c.ch.Transport().SetDelegate(c)
	go c.applyLoop(c.loopCtx)

	if err := c.ctrl.Start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		c.loopStop()
		return fmt.Errorf("%w: %v", ErrTransportUnsupported, err)
	}

	log.Info().Str("session_id", c.SessionID().String()).Msg("sync coordinator started")
	return nil
}

// Stop rotates the session identifier, cancels the apply loop and any
// in-flight reconnect loop. In-flight platform sends are best-effort and not
// forcibly cancelled.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	old := c.session
	c.session = uuid.New()
	stop := c.loopStop
	c.mu.Unlock()

	c.ctrl.Stop()
	if stop != nil {
		stop()
	}
	log.Info().Str("retired_session", old.String()).Msg("sync coordinator stopped")
}

// --- outbound -------------------------------------------------------------

// PublishLiveSnapshot sends the full live-match state; latest value wins on
// the receiving side.
func (c *Coordinator) PublishLiveSnapshot(s game.Snapshot) error {
	return c.publish(wire.KindLiveSnapshot, s, transport.PreferSharedState)
}

// PublishLiveDelta sends a single live-state change over the low-latency
// path.
func (c *Coordinator) PublishLiveDelta(d game.Delta) error {
	return c.publish(wire.KindLiveDelta, d, transport.Direct)
}

// PublishRosterSnapshot sends the full roster.
func (c *Coordinator) PublishRosterSnapshot(s roster.Snapshot) error {
	return c.publish(wire.KindRosterSnapshot, s, transport.PreferSharedState)
}

// PublishRosterUpsert sends one roster insert-or-replace.
func (c *Coordinator) PublishRosterUpsert(u roster.Upsert) error {
	return c.publish(wire.KindRosterUpsert, u, transport.Direct)
}

// PublishRosterPrune sends one roster removal.
func (c *Coordinator) PublishRosterPrune(p roster.Prune) error {
	return c.publish(wire.KindRosterPrune, p, transport.Direct)
}

// PublishHistorySummaries sends condensed finished-match records.
func (c *Coordinator) PublishHistorySummaries(s []game.Summary) error {
	return c.publish(wire.KindHistorySummaries, s, transport.PreferSharedState)
}

// PublishStartConfig sends the proposed configuration for a new match.
func (c *Coordinator) PublishStartConfig(cfg game.StartConfig) error {
	return c.publish(wire.KindStartConfig, cfg, transport.PreferSharedState)
}

// PublishAck acknowledges a message of the given kind.
func (c *Coordinator) PublishAck(acked wire.Kind) error {
	return c.publish(wire.KindAck, wire.Ack{AckedType: acked}, transport.Direct)
}

// PublishError reports a failure to the peer.
func (c *Coordinator) PublishError(code, message string) error {
	return c.publish(wire.KindError, wire.ErrorPayload{Code: code, Message: message}, transport.Direct)
}

// RequestStart asks the peer for a start configuration.
func (c *Coordinator) RequestStart() error {
	return c.publish(wire.KindStartRequest, nil, transport.Direct)
}

// RequestRoster asks the peer for a full roster snapshot.
func (c *Coordinator) RequestRoster() error {
	return c.publish(wire.KindRosterRequest, nil, transport.Direct)
}

// RequestHistory asks the peer for its finished-match summaries.
func (c *Coordinator) RequestHistory() error {
	return c.publish(wire.KindHistoryRequest, nil, transport.Direct)
}

// RequestLiveStatus asks the peer for its current live snapshot.
func (c *Coordinator) RequestLiveStatus() error {
	return c.publish(wire.KindLiveStatusRequest, nil, transport.Direct)
}

func (c *Coordinator) publish(kind wire.Kind, value any, class transport.Class) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return ErrSessionUnavailable
	}
	if c.ctrl.State() == link.StateUnsupported {
		return ErrTransportUnsupported
	}

	data, err := wire.Encode(kind, c.session, value)
	if err != nil {
		return err
	}

	if c.ctrl.State() != link.StateActivated {
		c.pending = append(c.pending, pendingSend{payload: data, class: class})
		log.Debug().Str("kind", string(kind)).Int("queued", len(c.pending)).
			Msg("not activated, queued send")
		return nil
	}

	if err := c.ch.Send(data, class); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	return nil
}

// flushPending drains the pre-activation queue in submission order. Runs on
// every successful activation.
func (c *Coordinator) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	log.Info().Int("count", len(queued)).Msg("flushing pending sends")
	for _, ps := range queued {
		if err := c.ch.Send(ps.payload, ps.class); err != nil {
			log.Warn().Err(err).Msg("pending send failed during flush")
		}
	}
}

// --- inbound --------------------------------------------------------------

// Receive implements transport.Delegate. It runs on an arbitrary platform
// goroutine and only enqueues; the apply loop does the rest.
func (c *Coordinator) Receive(p []byte) {
	c.mu.Lock()
	ctx := c.loopCtx
	started := c.started
	c.mu.Unlock()
	if !started || ctx == nil {
		log.Debug().Msg("inbound message before start, dropping")
		return
	}

	select {
	case c.inbound <- p:
	case <-ctx.Done():
	}
}

// ReachabilityChanged implements transport.Delegate.
func (c *Coordinator) ReachabilityChanged(reachable bool) {
	c.mu.Lock()
	ctx := c.loopCtx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.ctrl.ReachabilityChanged(ctx, reachable)
	if c.handlers.StatusChanged != nil {
		c.handlers.StatusChanged(c.ctrl.Status())
	}
}

// applyLoop is the single consumer of inbound traffic: the serialized
// context every mutation happens in.
func (c *Coordinator) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.inbound:
			c.apply(p)
		}
	}
}

// apply decodes one inbound payload and dispatches it by kind. Decode
// failures and stale-session envelopes are dropped and logged, never
// surfaced. Duplicate delivery is harmless: live state is guarded by the
// timestamp order and roster merges are idempotent.
//
// State mutates under the mutex; handler callbacks and request answers run
// after it is released so a handler may itself publish. The single apply
// goroutine keeps them serialized either way.
func (c *Coordinator) apply(p []byte) {
	env, value, err := wire.Decode(p)
	if err != nil {
		log.Warn().Err(err).Int("bytes", len(p)).Msg("dropping undecodable inbound message")
		return
	}

	c.mu.Lock()
	if !c.acceptSessionLocked(env.SessionID) {
		c.mu.Unlock()
		log.Debug().Str("kind", string(env.Type)).Str("session_id", env.SessionID.String()).
			Msg("dropping stale cross-session message")
		return
	}

	var after func()
	switch env.Type {
	case wire.KindLiveSnapshot:
		after = c.applyLiveSnapshotLocked(*value.(*game.Snapshot))
	case wire.KindLiveDelta:
		after = c.applyLiveDeltaLocked(*value.(*game.Delta))
	case wire.KindRosterSnapshot:
		c.ros.Replace(*value.(*roster.Snapshot))
		after = c.rosterChangedLocked()
	case wire.KindRosterUpsert:
		c.ros.ApplyUpsert(*value.(*roster.Upsert))
		after = c.rosterChangedLocked()
	case wire.KindRosterPrune:
		c.ros.ApplyPrune(*value.(*roster.Prune))
		after = c.rosterChangedLocked()
	case wire.KindHistorySummaries:
		if c.handlers.HistorySummaries != nil {
			summaries := *value.(*[]game.Summary)
			after = func() { c.handlers.HistorySummaries(summaries) }
		}
	case wire.KindStartConfig:
		if c.handlers.StartConfig != nil {
			cfg := *value.(*game.StartConfig)
			after = func() { c.handlers.StartConfig(cfg) }
		}
	case wire.KindStartRequest:
		if c.handlers.StartRequest != nil {
			after = c.handlers.StartRequest
		}
	case wire.KindRosterRequest:
		snap := c.ros.Snapshot()
		after = func() { c.answer(wire.KindRosterSnapshot, snap, transport.PreferSharedState) }
	case wire.KindHistoryRequest:
		if c.hist == nil {
			log.Debug().Msg("history requested but no history store configured")
			break
		}
		summaries := c.hist.Summaries()
		after = func() { c.answer(wire.KindHistorySummaries, summaries, transport.PreferSharedState) }
	case wire.KindLiveStatusRequest:
		if cur, ok := c.live.Current(); ok {
			after = func() { c.answer(wire.KindLiveSnapshot, cur, transport.PreferSharedState) }
		}
	case wire.KindAck:
		if c.handlers.Ack != nil {
			ack := *value.(*wire.Ack)
			after = func() { c.handlers.Ack(ack) }
		}
	case wire.KindError:
		if c.handlers.PeerError != nil {
			perr := *value.(*wire.ErrorPayload)
			after = func() { c.handlers.PeerError(perr) }
		}
	}
	c.mu.Unlock()

	if after != nil {
		after()
	}
}

// acceptSessionLocked tracks the peer's current session. A new session is
// adopted; anything from an already-retired session is a stale replay from
// before the peer's stop/start cycle and is discarded.
func (c *Coordinator) acceptSessionLocked(s uuid.UUID) bool {
	if s == c.peerSession {
		return true
	}
	if c.retired[s] {
		return false
	}
	if c.peerSession != uuid.Nil {
		c.retired[c.peerSession] = true
	}
	c.peerSession = s
	return true
}

// applyLiveSnapshotLocked installs the inbound snapshot only if it wins the
// last-writer order, so a stale replay never regresses newer local state.
func (c *Coordinator) applyLiveSnapshotLocked(s game.Snapshot) func() {
	if cur, ok := c.live.Current(); ok && !s.MoreRecentThan(cur) {
		log.Debug().Time("inbound", s.LastEventAt).Time("current", cur.LastEventAt).
			Msg("discarding stale live snapshot")
		return nil
	}
	c.live.SetCurrent(s)
	if c.handlers.LiveState == nil {
		return nil
	}
	return func() { c.handlers.LiveState(s) }
}

func (c *Coordinator) applyLiveDeltaLocked(d game.Delta) func() {
	cur, ok := c.live.Current()
	if !ok {
		log.Debug().Str("event", d.Event).Msg("live delta with no current state, requesting snapshot")
		return func() { c.answer(wire.KindLiveStatusRequest, nil, transport.Direct) }
	}
	if cur.GameID != d.GameID || !d.Supersedes(cur) {
		log.Debug().Str("event", d.Event).Msg("discarding stale live delta")
		return nil
	}
	next := game.ApplyDelta(cur, d)
	c.live.SetCurrent(next)
	if c.handlers.LiveState == nil {
		return nil
	}
	return func() { c.handlers.LiveState(next) }
}

// answer publishes a reply from the apply goroutine, outside the mutex.
func (c *Coordinator) answer(kind wire.Kind, value any, class transport.Class) {
	if err := c.publish(kind, value, class); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to answer peer request")
	}
}

func (c *Coordinator) rosterChangedLocked() func() {
	if c.handlers.RosterChanged == nil {
		return nil
	}
	snap := c.ros.Snapshot()
	return func() { c.handlers.RosterChanged(snap) }
}
