// Package wsbridge implements the platform transport as a point-to-point
// websocket link: one peer listens, the other dials. Direct messages ride
// the live connection; the shared-state register and the durable queue are
// held locally and replayed to the peer whenever the link comes (back) up,
// so both survive disconnects, though not process death. Reachability is
// driven by ping/pong deadlines on the connection.
package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openscore/wearsync/internal/transport"
)

// Config selects the role: a non-empty ListenAddr accepts the peer, a
// non-empty DialURL connects out. Exactly one must be set.
type Config struct {
	ListenAddr   string
	DialURL      string
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig fills the timing knobs.
func DefaultConfig() Config {
	return Config{
		PingInterval: 5 * time.Second,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

// Bridge implements transport.Transport over a single websocket peer link.
type Bridge struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	delegate transport.Delegate
	conn     *websocket.Conn
	send     chan []byte
	server   *http.Server

	sharedOut    []byte   // latest-value register, replayed on reconnect
	durableQueue [][]byte // FIFO, drained on reconnect
	activated    bool
}

var _ transport.Transport = (*Bridge)(nil)

// New builds an unactivated bridge.
func New(cfg Config) *Bridge {
	if cfg.PingInterval == 0 {
		d := DefaultConfig()
		cfg.PingInterval, cfg.WriteTimeout, cfg.ReadTimeout = d.PingInterval, d.WriteTimeout, d.ReadTimeout
	}
	return &Bridge{
		cfg:      cfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// SetDelegate installs the inbound sink. Must be called before Activate.
func (b *Bridge) SetDelegate(d transport.Delegate) {
	b.mu.Lock()
	b.delegate = d
	b.mu.Unlock()
}

// IsSupported reports whether the config names a role.
func (b *Bridge) IsSupported() bool {
	return b.cfg.ListenAddr != "" || b.cfg.DialURL != ""
}

// IsPeerInstalled reports true; an absent peer shows up as unreachability.
func (b *Bridge) IsPeerInstalled() bool { return true }

// IsReachable reports whether the peer link is currently up.
func (b *Bridge) IsReachable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Activate brings the link up. Dialers connect now and fail fast; listeners
// start accepting and report success immediately, the peer attaches when it
// dials in.
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	if b.activated {
		b.mu.Unlock()
		if b.cfg.DialURL != "" {
			return b.dial(ctx)
		}
		return nil
	}
	b.activated = true
	b.mu.Unlock()

	if b.cfg.DialURL != "" {
		return b.dial(ctx)
	}
	if b.cfg.ListenAddr == "" {
		return fmt.Errorf("wsbridge: neither listen address nor dial url configured")
	}
	return b.listen()
}

func (b *Bridge) dial(ctx context.Context) error {
	b.mu.Lock()
	connected := b.conn != nil
	b.mu.Unlock()
	if connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.cfg.DialURL, nil)
	if err != nil {
		return fmt.Errorf("dial peer: %w", err)
	}
	b.attach(conn)
	return nil
}

func (b *Bridge) listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("failed to upgrade peer connection")
			return
		}
		b.attach(conn)
	})

	server := &http.Server{Addr: b.cfg.ListenAddr, Handler: mux}
	b.mu.Lock()
	b.server = server
	b.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("wsbridge listener failed")
		}
	}()
	log.Info().Str("addr", b.cfg.ListenAddr).Msg("wsbridge listening for peer")
	return nil
}

// attach installs a live connection, starts the pumps, and replays the
// shared-state register plus the durable queue.
func (b *Bridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != nil {
		// Only one peer link at a time; newest wins.
		b.conn.Close()
	}
	b.conn = conn
	b.send = make(chan []byte, 64)
	send := b.send
	shared := b.sharedOut
	queued := b.durableQueue
	b.durableQueue = nil
	d := b.delegate
	b.mu.Unlock()

	go b.writePump(conn, send)
	go b.readPump(conn)

	if d != nil {
		d.ReachabilityChanged(true)
	}

	if shared != nil {
		b.enqueue(send, shared)
	}
	for _, p := range queued {
		b.enqueue(send, p)
	}
	log.Info().Int("durable_replayed", len(queued)).Msg("peer link up")
}

// detach tears down the current connection and re-queues nothing: direct
// traffic is lossy by contract, and shared/durable writes made while down
// accumulate in the local register and queue.
func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	send := b.send
	b.send = nil
	close(send)
	d := b.delegate
	b.mu.Unlock()

	conn.Close()
	if d != nil {
		d.ReachabilityChanged(false)
	}
	log.Info().Msg("peer link down")
}

// Close shuts the bridge down.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn := b.conn
	server := b.server
	b.activated = false
	b.mu.Unlock()

	if conn != nil {
		b.detach(conn)
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

// SendDirect rides the live connection and reports through onErr when the
// link is down or the outbox is full. onErr runs outside the mutex so the
// fallback path may use the bridge again.
func (b *Bridge) SendDirect(p []byte, onErr func(error)) {
	b.mu.Lock()
	send := b.send
	if send == nil {
		b.mu.Unlock()
		if onErr != nil {
			onErr(fmt.Errorf("wsbridge: peer link down"))
		}
		return
	}

	var full bool
	select {
	case send <- p:
	default:
		full = true
	}
	b.mu.Unlock()

	if full && onErr != nil {
		onErr(fmt.Errorf("wsbridge: send buffer full"))
	}
}

// SendSharedState overwrites the register and pushes it now if the link is
// up; superseded values written while down simply vanish.
func (b *Bridge) SendSharedState(p []byte) error {
	b.mu.Lock()
	if !b.activated {
		b.mu.Unlock()
		return fmt.Errorf("wsbridge: not activated")
	}
	b.sharedOut = append([]byte(nil), p...)
	send := b.send
	b.mu.Unlock()

	if send != nil {
		b.enqueue(send, p)
	}
	return nil
}

// SendDurable queues for FIFO delivery, now or on reconnect.
func (b *Bridge) SendDurable(p []byte) error {
	b.mu.Lock()
	if !b.activated {
		b.mu.Unlock()
		return fmt.Errorf("wsbridge: not activated")
	}
	send := b.send
	if send == nil {
		b.durableQueue = append(b.durableQueue, append([]byte(nil), p...))
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.enqueue(send, p)
	return nil
}

// enqueue places p on the outbox the caller saw. Liveness is re-checked
// under the mutex: detach nils b.send before closing it, so a stale channel
// is dropped here instead of being written after close.
func (b *Bridge) enqueue(send chan []byte, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.send != send {
		log.Debug().Msg("peer link closed mid-send, dropping frame")
		return
	}
	select {
	case send <- p:
	default:
		log.Warn().Msg("wsbridge send buffer full, dropping frame")
	}
}

func (b *Bridge) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		b.detach(conn)
	}()

	for {
		select {
		case p, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
				log.Debug().Err(err).Msg("write to peer failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("ping to peer failed")
				return
			}
		}
	}
}

func (b *Bridge) readPump(conn *websocket.Conn) {
	defer b.detach(conn)

	conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		return nil
	})

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("peer connection closed unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))

		b.mu.Lock()
		d := b.delegate
		b.mu.Unlock()
		if d != nil {
			d.Receive(p)
		}
	}
}
