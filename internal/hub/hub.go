package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clip-acquirer/internal/model"
)

const (
	defaultSendBuffer = 256
	pingPeriod        = 30 * time.Second
)

// Conn is what the hub needs from an observer connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type pinger interface {
	Ping() error
}

type Client struct {
	id   string
	conn Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func (c *Client) ID() string { return c.id }

// Hub fans progress records out to observers subscribed by resource id. It
// keeps the last record per resource so late subscribers get a snapshot.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
	last    map[string]model.ProgressRecord
	buffer  int
	logger  *slog.Logger
}

type Option func(*Hub)

func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:    map[string]map[*Client]struct{}{},
		clients: map[*Client]map[string]struct{}{},
		last:    map[string]model.ProgressRecord{},
		buffer:  defaultSendBuffer,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register starts the write pump for conn. The caller reads from the
// connection and reports subscribe/unsubscribe/disconnect back to the hub.
func (h *Hub) Register(conn Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan any, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = map[string]struct{}{}
	h.mu.Unlock()
	go h.writePump(c)
	return c
}

// Subscribe is idempotent per connection and resource. The current record, if
// any, is queued ahead of any later update.
func (h *Hub) Subscribe(c *Client, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, ok := h.clients[c]
	if !ok {
		return
	}
	if _, dup := ids[resourceID]; dup {
		return
	}
	ids[resourceID] = struct{}{}
	set := h.subs[resourceID]
	if set == nil {
		set = map[*Client]struct{}{}
		h.subs[resourceID] = set
	}
	set[c] = struct{}{}
	if rec, ok := h.last[resourceID]; ok {
		h.enqueueLocked(c, rec)
	}
}

func (h *Hub) Unsubscribe(c *Client, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, resourceID)
}

func (h *Hub) unsubscribeLocked(c *Client, resourceID string) {
	if ids, ok := h.clients[c]; ok {
		delete(ids, resourceID)
	}
	if set, ok := h.subs[resourceID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, resourceID)
		}
	}
}

// OnDisconnect removes c from every subscriber set and stops its pump.
func (h *Hub) OnDisconnect(c *Client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *Client) {
	ids, ok := h.clients[c]
	if !ok {
		return
	}
	for id := range ids {
		h.unsubscribeLocked(c, id)
	}
	delete(h.clients, c)
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Publish never blocks. A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(rec model.ProgressRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[rec.ResourceID] = rec
	for c := range h.subs[rec.ResourceID] {
		h.enqueueLocked(c, rec)
	}
}

func (h *Hub) enqueueLocked(c *Client, rec model.ProgressRecord) {
	msgs := []any{model.NewProgressMessage(rec)}
	if rec.Status == model.StatusError {
		msgs = append(msgs, model.NewErrorMessage(rec))
	}
	for _, msg := range msgs {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow progress subscriber", slog.String("client", c.id), slog.String("resource_id", rec.ResourceID))
			h.dropLocked(c)
			return
		}
	}
}

func (h *Hub) Subscribers(resourceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[resourceID])
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("progress send failed", slog.String("client", c.id), slog.String("error", err.Error()))
				h.OnDisconnect(c)
				return
			}
		case <-ticker.C:
			if p, ok := c.conn.(pinger); ok {
				if err := p.Ping(); err != nil {
					h.OnDisconnect(c)
					return
				}
			}
		}
	}
}
