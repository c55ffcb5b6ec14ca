package link

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openscore/wearsync/internal/transport"
)

// countingTransport fails a configurable number of activations and counts
// the attempts.
type countingTransport struct {
	supported     bool
	reachable     atomic.Bool
	peerInstalled atomic.Bool

	failures      atomic.Int32
	activateCalls atomic.Int32
}

func newCountingTransport() *countingTransport {
	tr := &countingTransport{supported: true}
	tr.reachable.Store(true)
	tr.peerInstalled.Store(true)
	return tr
}

func (c *countingTransport) Activate(ctx context.Context) error {
	c.activateCalls.Add(1)
	if c.failures.Load() > 0 {
		c.failures.Add(-1)
		return errors.New("session rejected")
	}
	return nil
}

func (c *countingTransport) IsSupported() bool                      { return c.supported }
func (c *countingTransport) IsReachable() bool                      { return c.reachable.Load() }
func (c *countingTransport) IsPeerInstalled() bool                  { return c.peerInstalled.Load() }
func (c *countingTransport) SendDirect(p []byte, onErr func(error)) {}
func (c *countingTransport) SendSharedState(p []byte) error         { return nil }
func (c *countingTransport) SendDurable(p []byte) error             { return nil }
func (c *countingTransport) SetDelegate(d transport.Delegate)       {}

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, Backoff(0))
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 16*time.Second, Backoff(5))
	assert.Equal(t, 30*time.Second, Backoff(6))
	assert.Equal(t, 30*time.Second, Backoff(40))

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
}

func TestController_UnsupportedIsTerminal(t *testing.T) {
	tr := newCountingTransport()
	tr.supported = false
	ctrl := New(tr, NewMemoryCounterStore(), clockwork.NewFakeClock(), nil)

	err := ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrUnsupported)
	assert.Equal(t, StateUnsupported, ctrl.State())
	assert.Equal(t, StatusUnavailable, ctrl.Status())
}

func TestController_ActivationSuccessResetsCountersAndNotifies(t *testing.T) {
	tr := newCountingTransport()
	store := NewMemoryCounterStore()
	require.NoError(t, store.Set(CounterActivationFailures, 4))
	require.NoError(t, store.Set(CounterLostConnections, 2))
	require.NoError(t, store.Set(CounterRejections, 1))

	var flushed atomic.Bool
	ctrl := New(tr, store, clockwork.NewFakeClock(), func() { flushed.Store(true) })

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, StateActivated, ctrl.State())
	assert.Equal(t, StatusReachable, ctrl.Status())
	assert.True(t, flushed.Load())

	for _, counter := range []Counter{CounterActivationFailures, CounterLostConnections, CounterRejections} {
		n, err := store.Get(counter)
		require.NoError(t, err)
		assert.Zero(t, n, "counter %s", counter)
	}
}

func TestController_RetriesWithBackoffUntilConnected(t *testing.T) {
	ctx := context.Background()
	tr := newCountingTransport()
	tr.failures.Store(2)
	store := NewMemoryCounterStore()
	clock := clockwork.NewFakeClock()
	ctrl := New(tr, store, clock, nil)

	// First activation fails and charges the budget; the retry loop takes
	// over in the background.
	require.NoError(t, ctrl.Start(ctx))
	assert.Equal(t, StateInactive, ctrl.State())

	// Attempt 0 after 500ms: fails again.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(Backoff(0))

	// Attempt 1 after 1s: succeeds.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(Backoff(1))

	require.Eventually(t, func() bool {
		return ctrl.State() == StateActivated
	}, 2*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 3, tr.activateCalls.Load())
	n, err := store.Get(CounterActivationFailures)
	require.NoError(t, err)
	assert.Zero(t, n, "counters reset after successful activation")
}

func TestController_CeilingHaltsAutomaticReconnect(t *testing.T) {
	tr := newCountingTransport()
	tr.failures.Store(1000)
	store := NewMemoryCounterStore()
	require.NoError(t, store.Set(CounterActivationFailures, retryCeiling-1))
	clock := clockwork.NewFakeClock()
	ctrl := New(tr, store, clock, nil)

	// This failure takes the counter to the ceiling: no retry loop starts.
	require.NoError(t, ctrl.Start(context.Background()))

	n, err := store.Get(CounterActivationFailures)
	require.NoError(t, err)
	assert.Equal(t, retryCeiling, n)

	clock.Advance(5 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, tr.activateCalls.Load(), "no reconnects after the budget tripped")

	// An explicit re-arm goes through Start again; success resets everything.
	tr.failures.Store(0)
	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, StateActivated, ctrl.State())
	n, err = store.Get(CounterActivationFailures)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestController_ReachabilityLossChargesLostConnections(t *testing.T) {
	ctx := context.Background()
	tr := newCountingTransport()
	store := NewMemoryCounterStore()
	clock := clockwork.NewFakeClock()
	ctrl := New(tr, store, clock, nil)

	require.NoError(t, ctrl.Start(ctx))
	tr.reachable.Store(false)
	ctrl.ReachabilityChanged(ctx, false)

	n, err := store.Get(CounterLostConnections)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusConnecting, ctrl.Status())

	// Regaining the peer cancels the pending retry loop.
	tr.reachable.Store(true)
	ctrl.ReachabilityChanged(ctx, true)
	assert.Equal(t, StatusReachable, ctrl.Status())
	ctrl.Stop()
}

func TestController_UninstalledPeerChargesRejections(t *testing.T) {
	ctx := context.Background()
	tr := newCountingTransport()
	store := NewMemoryCounterStore()
	ctrl := New(tr, store, clockwork.NewFakeClock(), nil)

	require.NoError(t, ctrl.Start(ctx))
	tr.peerInstalled.Store(false)
	tr.reachable.Store(false)
	ctrl.ReachabilityChanged(ctx, false)

	n, err := store.Get(CounterRejections)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ctrl.Stop()
}

func TestController_StopCancelsRetryLoop(t *testing.T) {
	ctx := context.Background()
	tr := newCountingTransport()
	tr.failures.Store(1000)
	clock := clockwork.NewFakeClock()
	ctrl := New(tr, NewMemoryCounterStore(), clock, nil)

	require.NoError(t, ctrl.Start(ctx))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	ctrl.Stop()
	calls := tr.activateCalls.Load()
	clock.Advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, tr.activateCalls.Load(), "no attempts after Stop")
	assert.Equal(t, StateInactive, ctrl.State())
}
