// Package hub fans deltas out to live WebSocket subscribers. Each
// connection owns a bounded outbound queue drained by its own sender
// goroutine, so a stalled consumer can never hold up a broadcast: its
// deltas are dropped, counted, and the connection is unregistered.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"flowlens/internal/model"
)

// Conn is the connection surface the hub needs; *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Options tune queue depth and heartbeat behavior.
type Options struct {
	QueueSize    int
	SendTimeout  time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
}

// Hub is the connection registry. All mutation goes through Register,
// Unregister, and Broadcast.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64

	dropped atomic.Int64
}

type subscriber struct {
	id    uint64
	conn  Conn
	queue chan model.Delta
	stop  chan struct{}
	once  sync.Once
}

// New creates a Hub.
func New(opts Options, logger *slog.Logger) *Hub {
	opts.withDefaults()
	return &Hub{
		opts:   opts,
		logger: logger,
		subs:   make(map[uint64]*subscriber),
	}
}

// Register adds a subscriber and starts its sender and reader goroutines.
// New subscribers only receive deltas broadcast after registration; initial
// state comes from the query API.
func (h *Hub) Register(conn Conn) uint64 {
	sub := &subscriber{
		conn:  conn,
		queue: make(chan model.Delta, h.opts.QueueSize),
		stop:  make(chan struct{}),
	}

	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	total := len(h.subs)
	h.mu.Unlock()

	go h.writeLoop(sub)
	go h.readLoop(sub)

	h.logger.Info("Subscriber registered", "subscriber_id", sub.id, "total", total)
	return sub.id
}

// Unregister removes the subscriber and closes its connection. Safe to call
// concurrently with an in-flight Broadcast and idempotent per subscriber.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	total := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.stop) })
	_ = sub.conn.Close()
	h.logger.Info("Subscriber unregistered", "subscriber_id", id, "total", total)
}

// Broadcast queues the delta on every live subscriber without blocking. A
// subscriber with a full queue has stalled: the delta is dropped, counted,
// and the subscriber is unregistered so it can reconnect with fresh state.
func (h *Hub) Broadcast(delta model.Delta) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.queue <- delta:
		default:
			h.dropped.Add(1)
			h.logger.Warn("Subscriber queue full, dropping delta", "subscriber_id", sub.id, "repo_id", delta.RepoID, "number", delta.Number)
			h.Unregister(sub.id)
		}
	}
}

// Dropped returns the number of deltas dropped on full queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Shutdown unregisters every subscriber. Sender goroutines observe their
// stop channels and exit; nothing blocks beyond a single write deadline.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	ids := make([]uint64, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		h.Unregister(id)
	}
}

// writeLoop drains the subscriber's queue and sends heartbeats. Every write
// carries a deadline; any failure unregisters the subscriber.
func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case delta := <-sub.queue:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.opts.SendTimeout))
			if err := sub.conn.WriteJSON(delta); err != nil {
				h.logger.Debug("Send failed", "subscriber_id", sub.id, "error", err)
				h.Unregister(sub.id)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.SendTimeout)
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.logger.Debug("Heartbeat failed", "subscriber_id", sub.id, "error", err)
				h.Unregister(sub.id)
				return
			}
		case <-sub.stop:
			return
		}
	}
}

// readLoop discards inbound frames while policing the pong deadline, so
// the hub notices when the client goes away.
func (h *Hub) readLoop(sub *subscriber) {
	_ = sub.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.Unregister(sub.id)
			return
		}
	}
}
