// Package hub fans task changes out to connected websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/taskd/internal/bus"
	"github.com/basket/taskd/internal/otel"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	busBuffer           = 256
)

type Options struct {
	// AllowOrigins, when non-empty, rejects upgrades whose Origin header is
	// absent or not listed. "*" allows any present Origin.
	AllowOrigins []string
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	// SendBuffer bounds the per-client queue; a client that falls this far
	// behind is disconnected.
	SendBuffer   int
	WriteTimeout time.Duration
}

// Message is the frame sent to clients.
type Message struct {
	TS   time.Time `json:"ts"`
	Type string    `json:"type"`
	Data any       `json:"data"`
}

type Hub struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	closeCode   websocket.StatusCode
	closeReason string
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		opts:    opts,
		logger:  opts.Logger.With("component", "hub"),
		clients: map[*client]struct{}{},
	}
}

// OriginAllowed applies the allow-list to r.
func (h *Hub) OriginAllowed(r *http.Request) bool {
	if len(h.opts.AllowOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return false
	}
	for _, allowed := range h.opts.AllowOrigins {
		allowed = strings.TrimRight(strings.TrimSpace(allowed), "/")
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades an already authenticated request and streams broadcasts
// until the client goes away. Client frames are read and discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.OriginAllowed(r) {
		h.logger.Warn("ws: origin rejected", "origin", r.Header.Get("Origin"))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin policy is OriginAllowed above.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("ws: upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, h.opts.SendBuffer),
		done:        make(chan struct{}),
		closeCode:   websocket.StatusNormalClosure,
		closeReason: "bye",
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.opts.Metrics.AddWSClients(r.Context(), 1)
	h.logger.Info("ws: client connected", "clients", h.ClientCount())

	defer func() {
		h.remove(c)
		h.opts.Metrics.AddWSClients(context.Background(), -1)
		_ = conn.Close(c.closeCode, c.closeReason)
		h.logger.Info("ws: client disconnected", "clients", h.ClientCount())
	}()

	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)
}

// writeLoop is the only writer for c, so frames leave in enqueue order.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Warn("ws: write failed; dropping client", "error", err)
				return
			}
		}
	}
}

// Broadcast serialises {ts, type, data} once and queues it for every client.
// It never blocks on a client.
func (h *Hub) Broadcast(typ string, data any) {
	b, err := json.Marshal(Message{TS: time.Now().UTC(), Type: typ, Data: data})
	if err != nil {
		h.logger.Error("ws: encode broadcast", "type", typ, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.opts.Metrics.RecordBroadcastDrop(context.Background())
			h.logger.Warn("ws: client too slow; disconnecting", "type", typ)
			c.stop(websocket.StatusPolicyViolation, "backpressure")
		}
	}
}

// Run broadcasts bus traffic until ctx is done.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	sub := b.SubscribeBuffered("", busBuffer)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.TaskUpdated:
				h.Broadcast(bus.TopicTaskUpdated, p.Task)
			case bus.TaskEventAppended:
				h.Broadcast(bus.TopicTaskEvent, p.Event)
			case bus.RegistryRebuilt:
				h.Broadcast(bus.TopicRegistryRebuilt, p)
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// stop ends the client's write loop. Safe to call more than once and under
// the hub's read lock.
func (c *client) stop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}
