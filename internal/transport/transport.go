package transport

import "context"

// Delegate receives inbound traffic and reachability transitions from a
// Transport. Callbacks may fire on any goroutine; implementations hop onto
// their own serialized context before touching shared state.
type Delegate interface {
	// Receive is the single funnel for all three inbound paths (direct,
	// shared-state, durable). Duplicate delivery is possible: shared-state
	// updates can repeat and durable transfers can replay on reconnect.
	Receive(p []byte)

	// ReachabilityChanged fires when the peer becomes reachable or drops
	// out of range.
	ReachabilityChanged(reachable bool)
}

// Transport is the platform primitive carrying bytes between the two peers.
// Implementations: inmem (tests), natsbridge, wsbridge.
type Transport interface {
	// Activate brings the session up. It may be called again after a
	// failure; a successful return means sends can be attempted.
	Activate(ctx context.Context) error

	// IsSupported reports whether this device can sync at all. False is
	// permanent for the process lifetime.
	IsSupported() bool

	// IsReachable reports whether the peer can receive low-latency direct
	// messages right now.
	IsReachable() bool

	// IsPeerInstalled reports whether the companion app is present and
	// paired on the peer device.
	IsPeerInstalled() bool

	// SendDirect delivers p with low latency and no acknowledgement. Valid
	// only while the peer is reachable. Failures are reported through
	// onErr, possibly asynchronously; SendDirect itself never blocks.
	SendDirect(p []byte, onErr func(error))

	// SendSharedState writes p to the latest-value register: the peer
	// observes only the most recent write, superseded writes vanish, and
	// the value survives disconnects.
	SendSharedState(p []byte) error

	// SendDurable queues p for guaranteed eventual delivery, surviving
	// restarts of either peer.
	SendDurable(p []byte) error

	// SetDelegate installs the inbound/reachability sink. Must be called
	// before Activate.
	SetDelegate(d Delegate)
}
