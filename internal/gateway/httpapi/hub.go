package httpapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

const (
	clientBuffer = 16
	writeTimeout = 5 * time.Second
	// finalTTL is how long the result of a closed poll is kept for late subscribers.
	finalTTL = time.Minute
)

type message struct {
	code  string
	data  []byte
	final bool
}

// client is one websocket subscribed to the events of one poll.
type client struct {
	conn    *websocket.Conn
	code    string
	send    chan []byte
	initial []byte
	// reason is set by the hub before send is closed.
	reason string
}

type finalResult struct {
	data []byte
	at   time.Time
}

// Hub fans poll events out to websocket clients, grouped by poll code. It
// implements usecase.Notifier. Run must be running before the hub is passed to
// the registry, Notify blocks until the hub loop takes the event.
type Hub struct {
	clients    map[string]map[*client]struct{}
	closed     map[string]finalResult
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	now        func() time.Time
	log        zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		closed:     make(map[string]finalResult),
		broadcast:  make(chan message),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		now:        time.Now,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for code, conns := range h.clients {
				for c := range conns {
					h.drop(c, "server is shutting down")
				}
				delete(h.clients, code)
			}
			return

		case c := <-h.register:
			if f, ok := h.closed[c.code]; ok {
				c.send <- f.data
				h.drop(c, "poll closed")
				continue
			}
			conns := h.clients[c.code]
			if conns == nil {
				conns = make(map[*client]struct{})
				h.clients[c.code] = conns
			}
			conns[c] = struct{}{}
			if c.initial != nil {
				c.send <- c.initial
			}

		case c := <-h.unregister:
			conns := h.clients[c.code]
			if _, ok := conns[c]; ok {
				h.drop(c, "")
				delete(conns, c)
				if len(conns) == 0 {
					delete(h.clients, c.code)
				}
			}

		case m := <-h.broadcast:
			conns := h.clients[m.code]
			for c := range conns {
				select {
				case c.send <- m.data:
				default:
					h.log.Warn().Str("code", m.code).Msg("dropping slow client")
					h.drop(c, "too slow")
					delete(conns, c)
				}
			}
			if m.final {
				for c := range conns {
					h.drop(c, "poll closed")
				}
				delete(h.clients, m.code)
				h.closed[m.code] = finalResult{data: m.data, at: h.now()}
				h.prune()
			}
			if len(conns) == 0 {
				delete(h.clients, m.code)
			}
		}
	}
}

func (h *Hub) drop(c *client, reason string) {
	c.reason = reason
	close(c.send)
}

func (h *Hub) prune() {
	for code, f := range h.closed {
		if h.now().Sub(f.at) > finalTTL {
			delete(h.closed, code)
		}
	}
}

func (h *Hub) Notify(_ context.Context, ev domain.PollEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("code", ev.Code).Msg("could not encode poll event")
		return
	}
	select {
	case h.broadcast <- message{code: ev.Code, data: data, final: ev.Type == domain.EventPollClosed}:
	case <-h.done:
	}
}

func (h *Hub) subscribe(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unsubscribe(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// writePump sends hub messages to the connection until the hub drops the
// client or ctx is done.
func (c *client) writePump(ctx context.Context, log zerolog.Logger) {
	defer c.conn.CloseNow()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, c.reason)
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug().Err(err).Str("code", c.code).Msg("could not write to client")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
