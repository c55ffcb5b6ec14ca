// Package natsbridge implements the platform transport over a NATS server
// both peers can reach. Direct messages ride core NATS publishes, the
// shared-state register is a JetStream key-value bucket with history 1, and
// durable transfers go through a JetStream work-queue stream with a durable
// consumer per peer. Reachability is derived from a peer heartbeat key.
package natsbridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/openscore/wearsync/internal/transport"
)

const (
	heartbeatInterval  = 2 * time.Second
	heartbeatStaleness = 6 * time.Second
)

// Config identifies this peer and its companion on the shared server.
type Config struct {
	URL     string
	PairID  string
	LocalID string
	PeerID  string
}

// Bridge implements transport.Transport on top of NATS.
type Bridge struct {
	cfg Config

	mu        sync.Mutex
	delegate  transport.Delegate
	nc        *nats.Conn
	js        jetstream.JetStream
	kv        jetstream.KeyValue
	consume   jetstream.ConsumeContext
	stop      context.CancelFunc
	reachable bool
}

var _ transport.Transport = (*Bridge)(nil)

// New builds an unactivated bridge.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

func (b *Bridge) directSubject(peer string) string {
	return fmt.Sprintf("wearsync.%s.direct.%s", b.cfg.PairID, peer)
}

func (b *Bridge) durableSubject(peer string) string {
	return fmt.Sprintf("wearsync.%s.durable.%s", b.cfg.PairID, peer)
}

func (b *Bridge) streamName() string {
	return fmt.Sprintf("WEARSYNC_%s", b.cfg.PairID)
}

func (b *Bridge) bucketName() string {
	return fmt.Sprintf("wearsync-shared-%s", b.cfg.PairID)
}

func stateKey(peer string) string     { return "state." + peer }
func heartbeatKey(peer string) string { return "heartbeat." + peer }

// SetDelegate installs the inbound sink. Must be called before Activate.
func (b *Bridge) SetDelegate(d transport.Delegate) {
	b.mu.Lock()
	b.delegate = d
	b.mu.Unlock()
}

// IsSupported reports true: any device that can run this bridge can sync.
func (b *Bridge) IsSupported() bool { return true }

// IsPeerInstalled reports true; NATS carries no install state for the
// companion, so absence shows up as unreachability instead.
func (b *Bridge) IsPeerInstalled() bool { return true }

// Activate connects, provisions the stream, bucket and consumer, and starts
// the inbound subscriptions plus the heartbeat loop. Safe to call again
// after a failure.
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	if b.nc != nil && b.nc.IsConnected() {
		b.mu.Unlock()
		return nil
	}
	b.teardownLocked()
	b.mu.Unlock()

	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(fmt.Sprintf("wearsync-%s-%s", b.cfg.PairID, b.cfg.LocalID)),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("open jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  b.bucketName(),
		History: 1,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure shared-state bucket: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName(),
		Subjects:  []string{b.durableSubject("*")},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure durable stream: %w", err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("wearsync-%s", b.cfg.LocalID),
		FilterSubject: b.durableSubject(b.cfg.LocalID),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure durable consumer: %w", err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		b.receive(msg.Data())
		if err := msg.Ack(); err != nil {
			log.Warn().Err(err).Msg("failed to ack durable transfer")
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("start durable consumer: %w", err)
	}

	if _, err := nc.Subscribe(b.directSubject(b.cfg.LocalID), func(msg *nats.Msg) {
		b.receive(msg.Data)
	}); err != nil {
		consumeCtx.Stop()
		nc.Close()
		return fmt.Errorf("subscribe direct subject: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.nc = nc
	b.js = js
	b.kv = kv
	b.consume = consumeCtx
	b.stop = cancel
	b.mu.Unlock()

	go b.watchSharedState(loopCtx)
	go b.heartbeatLoop(loopCtx)

	log.Info().Str("pair", b.cfg.PairID).Str("local", b.cfg.LocalID).Msg("nats bridge activated")
	return nil
}

// Close tears the bridge down.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.teardownLocked()
}

func (b *Bridge) teardownLocked() {
	if b.stop != nil {
		b.stop()
		b.stop = nil
	}
	if b.consume != nil {
		b.consume.Stop()
		b.consume = nil
	}
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
	}
	b.reachable = false
}

// IsReachable reports the cached peer-heartbeat freshness maintained by the
// heartbeat loop. Checked on every send, so it never touches the network.
func (b *Bridge) IsReachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reachable
}

// readPeerHeartbeat reads the peer's heartbeat key and reports freshness.
func (b *Bridge) readPeerHeartbeat() bool {
	b.mu.Lock()
	kv := b.kv
	b.mu.Unlock()
	if kv == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entry, err := kv.Get(ctx, heartbeatKey(b.cfg.PeerID))
	if err != nil {
		return false
	}
	return heartbeatFresh(entry.Value(), time.Now())
}

func heartbeatFresh(value []byte, now time.Time) bool {
	if len(value) != 8 {
		return false
	}
	beat := time.UnixMilli(int64(binary.BigEndian.Uint64(value)))
	return now.Sub(beat) < heartbeatStaleness
}

// SendDirect publishes on the peer's direct subject. Lost when the peer is
// away; onErr fires only for local publish failures.
func (b *Bridge) SendDirect(p []byte, onErr func(error)) {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		if onErr != nil {
			onErr(fmt.Errorf("natsbridge: not activated"))
		}
		return
	}
	if err := nc.Publish(b.directSubject(b.cfg.PeerID), p); err != nil && onErr != nil {
		onErr(err)
	}
}

// SendSharedState overwrites this peer's state key; history 1 keeps only the
// latest value.
func (b *Bridge) SendSharedState(p []byte) error {
	b.mu.Lock()
	kv := b.kv
	b.mu.Unlock()
	if kv == nil {
		return fmt.Errorf("natsbridge: not activated")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := kv.Put(ctx, stateKey(b.cfg.LocalID), p); err != nil {
		return fmt.Errorf("put shared state: %w", err)
	}
	return nil
}

// SendDurable publishes into the work-queue stream for the peer's durable
// consumer.
func (b *Bridge) SendDurable(p []byte) error {
	b.mu.Lock()
	js := b.js
	b.mu.Unlock()
	if js == nil {
		return fmt.Errorf("natsbridge: not activated")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := js.Publish(ctx, b.durableSubject(b.cfg.PeerID), p); err != nil {
		return fmt.Errorf("publish durable transfer: %w", err)
	}
	return nil
}

// watchSharedState funnels the peer's register updates into the delegate.
func (b *Bridge) watchSharedState(ctx context.Context) {
	b.mu.Lock()
	kv := b.kv
	b.mu.Unlock()
	if kv == nil {
		return
	}

	watcher, err := kv.Watch(ctx, stateKey(b.cfg.PeerID))
	if err != nil {
		log.Warn().Err(err).Msg("failed to watch peer shared state")
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if !isRegisterUpdate(entry) {
				continue
			}
			b.receive(entry.Value())
		}
	}
}

// isRegisterUpdate filters watcher traffic down to actual writes; deletes,
// purges and the initial nil marker carry no state.
func isRegisterUpdate(entry jetstream.KeyValueEntry) bool {
	return entry != nil && entry.Operation() == jetstream.KeyValuePut
}

// heartbeatLoop writes this peer's heartbeat key and tracks peer freshness
// transitions for the reachability callback.
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		kv := b.kv
		b.mu.Unlock()
		if kv == nil {
			return
		}

		beat := make([]byte, 8)
		binary.BigEndian.PutUint64(beat, uint64(time.Now().UnixMilli()))
		putCtx, cancel := context.WithTimeout(ctx, time.Second)
		if _, err := kv.Put(putCtx, heartbeatKey(b.cfg.LocalID), beat); err != nil {
			log.Debug().Err(err).Msg("heartbeat write failed")
		}
		cancel()

		b.checkReachability()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) checkReachability() {
	now := b.readPeerHeartbeat()

	b.mu.Lock()
	changed := b.reachable != now
	b.reachable = now
	d := b.delegate
	b.mu.Unlock()

	if changed && d != nil {
		d.ReachabilityChanged(now)
	}
}

func (b *Bridge) receive(p []byte) {
	b.mu.Lock()
	d := b.delegate
	b.mu.Unlock()
	if d != nil {
		d.Receive(p)
	}
}
