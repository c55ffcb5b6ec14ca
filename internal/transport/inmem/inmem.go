// Package inmem provides a linked pair of in-memory transports with the same
// delivery semantics as a real device link: a latest-value shared-state
// register, a durable FIFO queue that survives disconnects, and a direct path
// that only works while the link is up. Tests drive partitions, activation
// failures, and duplicate delivery through the Pair controls.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/openscore/wearsync/internal/transport"
)

var (
	errUnreachable      = errors.New("inmem: peer unreachable")
	errActivationFailed = errors.New("inmem: activation failed")
	errNotActivated     = errors.New("inmem: endpoint not activated")
)

// Pair links two endpoints. Reachability is a property of the link and is
// toggled for both sides at once.
type Pair struct {
	mu        sync.Mutex
	reachable bool
	a, b      *Endpoint
}

// NewPair returns two linked endpoints with the link initially down.
func NewPair() *Pair {
	p := &Pair{}
	p.a = &Endpoint{pair: p, supported: true, peerInstalled: true}
	p.b = &Endpoint{pair: p, supported: true, peerInstalled: true}
	p.a.peer = p.b
	p.b.peer = p.a
	return p
}

// A returns the first endpoint.
func (p *Pair) A() *Endpoint { return p.a }

// B returns the second endpoint.
func (p *Pair) B() *Endpoint { return p.b }

// SetReachable raises or drops the link. Raising it flushes each endpoint's
// shared-state register and durable queue to the other side and notifies
// both delegates of the transition.
func (p *Pair) SetReachable(reachable bool) {
	p.mu.Lock()
	changed := p.reachable != reachable
	p.reachable = reachable
	p.mu.Unlock()
	if !changed {
		return
	}

	p.a.notifyReachability(reachable)
	p.b.notifyReachability(reachable)

	if reachable {
		p.a.flushPending()
		p.b.flushPending()
	}
}

func (p *Pair) isReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// Endpoint is one side of the pair; it implements transport.Transport.
type Endpoint struct {
	pair *Pair
	peer *Endpoint

	mu              sync.Mutex
	delegate        transport.Delegate
	supported       bool
	peerInstalled   bool
	activated       bool
	failActivations int

	sharedState      []byte   // latest-value register, this side's writes
	durableQueue     [][]byte // not yet delivered
	durableDelivered [][]byte // kept for replay simulation
}

var _ transport.Transport = (*Endpoint)(nil)

// SetDelegate installs the inbound sink.
func (e *Endpoint) SetDelegate(d transport.Delegate) {
	e.mu.Lock()
	e.delegate = d
	e.mu.Unlock()
}

// Activate marks the endpoint active, failing while a FailActivations budget
// remains.
func (e *Endpoint) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.supported {
		e.mu.Unlock()
		return errors.New("inmem: transport unsupported")
	}
	if e.failActivations > 0 {
		e.failActivations--
		e.mu.Unlock()
		return errActivationFailed
	}
	e.activated = true
	e.mu.Unlock()

	// Deliver anything the peer wrote while this side was away.
	e.peer.flushPending()
	return nil
}

func (e *Endpoint) IsSupported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.supported
}

func (e *Endpoint) IsReachable() bool {
	return e.pair.isReachable()
}

func (e *Endpoint) IsPeerInstalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerInstalled
}

// SendDirect delivers immediately while the link is up, otherwise reports
// through onErr.
func (e *Endpoint) SendDirect(p []byte, onErr func(error)) {
	if !e.pair.isReachable() || !e.peer.isActivated() {
		if onErr != nil {
			onErr(errUnreachable)
		}
		return
	}
	e.peer.deliver(clone(p))
}

// SendSharedState overwrites the latest-value register; the superseded value
// vanishes. Delivery happens now if the peer can hear, otherwise on the next
// flush.
func (e *Endpoint) SendSharedState(p []byte) error {
	e.mu.Lock()
	if !e.activated {
		e.mu.Unlock()
		return errNotActivated
	}
	e.sharedState = clone(p)
	e.mu.Unlock()

	if e.pair.isReachable() && e.peer.isActivated() {
		e.peer.deliver(clone(p))
	}
	return nil
}

// SendDurable queues the payload for eventual FIFO delivery.
func (e *Endpoint) SendDurable(p []byte) error {
	e.mu.Lock()
	if !e.activated {
		e.mu.Unlock()
		return errNotActivated
	}
	deliverNow := e.pair.isReachable() && e.peer.isActivated()
	if deliverNow {
		e.durableDelivered = append(e.durableDelivered, clone(p))
	} else {
		e.durableQueue = append(e.durableQueue, clone(p))
	}
	e.mu.Unlock()

	if deliverNow {
		e.peer.deliver(clone(p))
	}
	return nil
}

// flushPending pushes the shared-state register and the queued durable
// payloads to the peer, FIFO for the queue.
func (e *Endpoint) flushPending() {
	if !e.pair.isReachable() || !e.peer.isActivated() {
		return
	}

	e.mu.Lock()
	shared := clone(e.sharedState)
	queued := e.durableQueue
	e.durableQueue = nil
	e.durableDelivered = append(e.durableDelivered, queued...)
	e.mu.Unlock()

	if shared != nil {
		e.peer.deliver(shared)
	}
	for _, p := range queued {
		e.peer.deliver(clone(p))
	}
}

func (e *Endpoint) isActivated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activated
}

func (e *Endpoint) deliver(p []byte) {
	e.mu.Lock()
	d := e.delegate
	e.mu.Unlock()
	if d != nil {
		d.Receive(p)
	}
}

func (e *Endpoint) notifyReachability(reachable bool) {
	e.mu.Lock()
	d := e.delegate
	e.mu.Unlock()
	if d != nil {
		d.ReachabilityChanged(reachable)
	}
}

// FailActivations makes the next n Activate calls fail.
func (e *Endpoint) FailActivations(n int) {
	e.mu.Lock()
	e.failActivations = n
	e.mu.Unlock()
}

// SetSupported marks the endpoint as (un)supported.
func (e *Endpoint) SetSupported(supported bool) {
	e.mu.Lock()
	e.supported = supported
	e.mu.Unlock()
}

// SetPeerInstalled toggles the paired-app flag seen by this endpoint.
func (e *Endpoint) SetPeerInstalled(installed bool) {
	e.mu.Lock()
	e.peerInstalled = installed
	e.mu.Unlock()
}

// Deactivate drops the endpoint back to the inactive state, as if the
// platform session ended.
func (e *Endpoint) Deactivate() {
	e.mu.Lock()
	e.activated = false
	e.mu.Unlock()
}

// RedeliverSharedState re-delivers the current register to the peer,
// simulating the repeat delivery shared-state updates are allowed to make.
func (e *Endpoint) RedeliverSharedState() {
	e.mu.Lock()
	shared := clone(e.sharedState)
	e.mu.Unlock()
	if shared != nil && e.pair.isReachable() && e.peer.isActivated() {
		e.peer.deliver(shared)
	}
}

// ReplayDurable re-delivers every durable payload already delivered,
// simulating a durable-transfer replay after reconnect.
func (e *Endpoint) ReplayDurable() {
	e.mu.Lock()
	delivered := make([][]byte, len(e.durableDelivered))
	for i, p := range e.durableDelivered {
		delivered[i] = clone(p)
	}
	e.mu.Unlock()
	if !e.pair.isReachable() || !e.peer.isActivated() {
		return
	}
	for _, p := range delivered {
		e.peer.deliver(p)
	}
}

// DurableQueueLen reports how many payloads are waiting for the link.
func (e *Endpoint) DurableQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.durableQueue)
}

// SharedState returns the current register contents.
func (e *Endpoint) SharedState() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.sharedState)
}

func clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
