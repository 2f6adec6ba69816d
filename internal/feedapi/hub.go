package feedapi

import (
	"context"

	"kbconsole/internal/metrics"
	logx "kbconsole/pkg/logx"
)

const (
	MessageTypeFeed        = "feed"
	MessageTypeAlert       = "alert"
	MessageTypeSourceError = "source_error"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans messages out to connected clients. All client bookkeeping happens
// on the Run goroutine.
type Hub struct {
	log        logx.Logger
	register   chan *client
	unregister chan *client
	broadcast  chan Message
	done       chan struct{}

	// welcome builds the first message a new client receives.
	welcome func() (Message, bool)

	clients map[*client]struct{}
}

func newHub(log logx.Logger, welcome func() (Message, bool)) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, 256),
		done:       make(chan struct{}),
		welcome:    welcome,
		clients:    map[*client]struct{}{},
	}
}

// Broadcast queues m for every client without blocking.
func (h *Hub) Broadcast(m Message) {
	select {
	case h.broadcast <- m:
	default:
		h.log.Warn("websocket broadcast dropped (hub busy)", logx.String("type", m.Type))
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		metrics.WSClients.Set(0)
		close(h.done)
	}()
	for {
		// Lifecycle events first so a new client never misses a broadcast
		// queued after it registered.
		select {
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped", logx.Int("clients", len(h.clients)))
			return nil
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- m:
				default:
					// Too slow; drop the client rather than stall the hub.
					h.log.Warn("websocket client too slow; disconnecting", logx.String("client", c.id))
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.clients[c] = struct{}{}
	if h.welcome != nil {
		if m, ok := h.welcome(); ok {
			c.send <- m
		}
	}
	metrics.WSClients.Set(float64(len(h.clients)))
	h.log.Debug("websocket client connected", logx.String("client", c.id), logx.Int("total_clients", len(h.clients)))
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WSClients.Set(float64(len(h.clients)))
	h.log.Debug("websocket client disconnected", logx.String("client", c.id), logx.Int("total_clients", len(h.clients)))
}

// join registers c unless the hub or the request is already gone.
func (h *Hub) join(ctx context.Context, c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
	case <-ctx.Done():
	}
	return false
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
