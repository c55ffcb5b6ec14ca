package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/openscore/wearsync/internal/transport"
)

// ErrUnsupported means this device cannot sync at all. It is permanent for
// the process lifetime and surfaced once, at Start.
var ErrUnsupported = errors.New("link: transport unsupported on this device")

// State is the activation lifecycle of the platform session.
type State int

const (
	StateInactive State = iota
	StateActivating
	StateActivated
	StateUnsupported
)

// Status is the only reachability view external callers get.
type Status int

const (
	StatusUnavailable Status = iota
	StatusConnecting
	StatusReachable
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReachable:
		return "reachable"
	default:
		return "unavailable"
	}
}

const (
	backoffBase           = 500 * time.Millisecond
	backoffCap            = 30 * time.Second
	readinessPollInterval = 100 * time.Millisecond
	readinessDeadline     = 3 * time.Second
)

// Backoff returns the reconnect delay for the given attempt: base * 2^attempt
// capped at 30s, starting at 0.5s for attempt 0.
func Backoff(attempt int) time.Duration {
	if attempt >= 6 {
		return backoffCap
	}
	d := backoffBase << attempt
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Controller tracks activation and reachability of the peer link and drives
// bounded exponential-backoff reconnection. Failures are charged against
// three persisted counters; when any reaches its ceiling the controller
// stops retrying until a fresh successful activation resets all three.
type Controller struct {
	tr    transport.Transport
	store CounterStore
	clock clockwork.Clock

	mu          sync.Mutex
	state       State
	retryCancel context.CancelFunc
	onActivated func()
}

// New builds a controller over the given platform transport. onActivated
// fires after every successful activation, once the counters have been
// reset; the coordinator uses it to flush its pending-send queue.
func New(tr transport.Transport, store CounterStore, clock clockwork.Clock, onActivated func()) *Controller {
	return &Controller{
		tr:          tr,
		store:       store,
		clock:       clock,
		onActivated: onActivated,
	}
}

// State returns the current activation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status derives the tri-state reachability view from the activation state,
// the pairing flag, and the live signal.
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateActivated:
		if c.tr.IsReachable() && c.tr.IsPeerInstalled() {
			return StatusReachable
		}
		return StatusConnecting
	case StateActivating:
		return StatusConnecting
	default:
		return StatusUnavailable
	}
}

// Start requests platform activation. An unsupported transport is terminal
// and returns ErrUnsupported. An activation failure is not an error at this
// level: it is charged to the budget and the caller falls back to queued
// sends while the retry loop reconnects in the background.
//
// Calling Start again after the retry budget tripped re-arms the controller.
func (c *Controller) Start(ctx context.Context) error {
	if !c.tr.IsSupported() {
		c.setState(StateUnsupported)
		return ErrUnsupported
	}

	c.setState(StateActivating)
	if err := c.tr.Activate(ctx); err != nil {
		log.Warn().Err(err).Msg("activation failed, falling back to queued sends")
		c.setState(StateInactive)
		c.recordFailure(ctx, CounterActivationFailures)
		return nil
	}

	c.finishActivation(ctx)
	return nil
}

// Stop cancels any in-flight reconnect loop and drops back to inactive.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.retryCancel
	c.retryCancel = nil
	if c.state != StateUnsupported {
		c.state = StateInactive
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ReachabilityChanged is called from the transport delegate. A regained peer
// cancels the retry loop; a lost peer is charged to the budget and kicks off
// reconnection. An unpaired or uninstalled companion counts as a rejection.
func (c *Controller) ReachabilityChanged(ctx context.Context, reachable bool) {
	if reachable {
		c.cancelRetry()
		log.Debug().Msg("peer reachable")
		return
	}

	counter := CounterLostConnections
	if !c.tr.IsPeerInstalled() {
		counter = CounterRejections
	}
	log.Info().Str("counter", string(counter)).Msg("peer unreachable, scheduling reconnect")
	c.recordFailure(ctx, counter)
}

// finishActivation polls readiness up to the bounded deadline, then flips to
// Activated, resets the budget, and notifies the coordinator. The deadline
// keeps Start from blocking indefinitely: queued sends cover the gap until
// the peer turns up.
func (c *Controller) finishActivation(ctx context.Context) {
	deadline := c.clock.Now().Add(readinessDeadline)
	for !c.tr.IsReachable() && c.clock.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(readinessPollInterval):
		}
	}

	c.setState(StateActivated)
	if err := c.store.Reset(); err != nil {
		log.Warn().Err(err).Msg("failed to reset failure counters")
	}
	log.Info().Bool("reachable", c.tr.IsReachable()).Msg("activated")

	if c.onActivated != nil {
		c.onActivated()
	}
}

// recordFailure bumps the counter and, while under the ceiling, schedules
// the reconnect loop.
func (c *Controller) recordFailure(ctx context.Context, counter Counter) {
	if c.bump(counter) {
		c.scheduleRetry(ctx)
	}
}

// bump increments a saturating counter and reports whether it is still under
// the retry ceiling.
func (c *Controller) bump(counter Counter) bool {
	n, err := c.store.Get(counter)
	if err != nil {
		log.Warn().Err(err).Str("counter", string(counter)).Msg("failed to read failure counter")
	}
	if n < retryCeiling {
		n++
		if err := c.store.Set(counter, n); err != nil {
			log.Warn().Err(err).Str("counter", string(counter)).Msg("failed to persist failure counter")
		}
	}
	if n >= retryCeiling {
		log.Warn().Str("counter", string(counter)).Int("count", n).
			Msg("retry budget exhausted, automatic reconnection disabled")
		return false
	}
	return true
}

// scheduleRetry starts the reconnect loop unless one is already in flight.
func (c *Controller) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	if c.retryCancel != nil || c.state == StateUnsupported {
		c.mu.Unlock()
		return
	}
	retryCtx, cancel := context.WithCancel(ctx)
	c.retryCancel = cancel
	c.mu.Unlock()

	go c.retryLoop(retryCtx)
}

// retryLoop re-attempts activation with exponential backoff until it
// succeeds, the budget trips, or the loop is cancelled.
func (c *Controller) retryLoop(ctx context.Context) {
	defer c.cancelRetry()

	for attempt := 0; ; attempt++ {
		delay := Backoff(attempt)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect backoff")

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(delay):
		}

		c.setState(StateActivating)
		err := c.tr.Activate(ctx)
		if err == nil {
			c.finishActivation(ctx)
			return
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		c.setState(StateInactive)
		if !c.bump(CounterActivationFailures) {
			return
		}
	}
}

func (c *Controller) cancelRetry() {
	c.mu.Lock()
	cancel := c.retryCancel
	c.retryCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
