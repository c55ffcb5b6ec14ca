package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Class selects the delivery semantics a caller wants for one payload.
type Class int

const (
	// Direct asks for low-latency fire-and-forget delivery. Small frequent
	// deltas use this.
	Direct Class = iota

	// PreferSharedState asks for "latest value wins" delivery that
	// survives disconnects. Full snapshots and configuration use this.
	PreferSharedState
)

func (c Class) String() string {
	switch c {
	case Direct:
		return "direct"
	case PreferSharedState:
		return "preferSharedState"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// durableThreshold is the payload size above which delivery always goes over
// the durable queue, whatever class was requested.
const durableThreshold = 60 << 10

// Channel wraps a Transport with the delivery-selection policy. It owns no
// state of its own; every call maps to one or two sends on the underlying
// primitive.
type Channel struct {
	tr Transport
}

// NewChannel wraps the given platform transport.
func NewChannel(tr Transport) *Channel {
	return &Channel{tr: tr}
}

// Transport returns the wrapped platform primitive.
func (c *Channel) Transport() Transport { return c.tr }

// Send delivers p under the requested class:
//
//   - payloads over 60 KiB always go durable;
//   - with the peer unreachable, the payload is written to both the
//     shared-state register and the durable queue, covering freshness on
//     reconnect and eventual delivery;
//   - PreferSharedState tries the shared-state register first and falls
//     back to direct;
//   - Direct fires and forgets, degrading to shared-state plus durable on
//     error so the write is never lost.
func (c *Channel) Send(p []byte, class Class) error {
	if len(p) > durableThreshold {
		log.Debug().Int("bytes", len(p)).Msg("payload over durable threshold, sending durable")
		return c.tr.SendDurable(p)
	}

	if !c.tr.IsReachable() {
		return c.sendWhileUnreachable(p)
	}

	if class == PreferSharedState {
		if err := c.tr.SendSharedState(p); err != nil {
			log.Debug().Err(err).Msg("shared-state send failed, falling back to direct")
			c.sendDirectDegrading(p)
		}
		return nil
	}

	c.sendDirectDegrading(p)
	return nil
}

// sendWhileUnreachable writes both the shared-state register and the durable
// queue so the peer sees the freshest value on reconnect and still gets
// eventual delivery.
func (c *Channel) sendWhileUnreachable(p []byte) error {
	sharedErr := c.tr.SendSharedState(p)
	durableErr := c.tr.SendDurable(p)
	if sharedErr != nil && durableErr != nil {
		return fmt.Errorf("peer unreachable and both fallbacks failed: shared-state: %v; durable: %w", sharedErr, durableErr)
	}
	return nil
}

// sendDirectDegrading fires a direct send whose error path never propagates:
// on failure the payload degrades to shared-state plus durable delivery.
func (c *Channel) sendDirectDegrading(p []byte) {
	c.tr.SendDirect(p, func(sendErr error) {
		log.Debug().Err(sendErr).Int("bytes", len(p)).Msg("direct send failed, degrading to shared-state and durable")
		if err := c.tr.SendSharedState(p); err != nil {
			log.Warn().Err(err).Msg("shared-state fallback failed after direct send error")
		}
		if err := c.tr.SendDurable(p); err != nil {
			log.Warn().Err(err).Msg("durable fallback failed after direct send error")
		}
	})
}
