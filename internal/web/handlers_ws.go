package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"voodoo-go/internal/bus"
	"voodoo-go/internal/report"
	"voodoo-go/internal/store"
)

// eventStatus is the type of the snapshot sent to a client on connect.
const eventStatus = "status"

// frame is one message on the live feed. RunID and Test are lifted out of
// the event payload so dashboards can route frames without decoding Data.
type frame struct {
	Type  string    `json:"type"`
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id,omitempty"`
	Test  string    `json:"test,omitempty"`
	Data  any       `json:"data,omitempty"`
}

func frameOf(ev bus.Event) frame {
	f := frame{Type: ev.Type, Time: ev.Time, Data: ev.Data}
	switch d := ev.Data.(type) {
	case store.Run:
		f.RunID = d.ID
	case *store.Run:
		f.RunID = d.ID
	case report.Results:
		f.RunID, f.Test = d.RunID, d.TestFile
	case *report.Results:
		f.RunID, f.Test = d.RunID, d.TestFile
	case map[string]any:
		f.RunID, _ = d["run_id"].(string)
		f.Test, _ = d["test"].(string)
	}
	return f
}

// WSHub fans bus events out to WebSocket clients. A client may follow a
// single run; frames of other runs are not sent to it.
type WSHub struct {
	logger *slog.Logger
	events chan bus.Event

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	run  string // empty follows every run
	send chan []byte
}

func (c *wsClient) wants(f frame) bool {
	return c.run == "" || f.RunID == "" || f.RunID == c.run
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		events:  make(chan bus.Event, 256),
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
	}
}

// Run delivers queued events until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.deliver(frameOf(ev))
		}
	}
}

// Stop closes every client's queue. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		h.stopped = true
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
	})
}

// Broadcast queues ev for delivery. It never blocks; when the queue is full
// the event is dropped.
func (h *WSHub) Broadcast(ev bus.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("ws queue full, dropping event", "type", ev.Type)
	}
}

// add registers c with first as its opening message. Both happen under the
// hub lock, so no event can overtake first. It reports false after Stop.
func (h *WSHub) add(c *wsClient, first []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if first != nil {
		c.send <- first
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "run", c.run, "total", len(h.clients))
	return true
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("ws client disconnected", "total", len(h.clients))
}

// deliver sends f to every interested client. A client whose queue is full
// is dropped rather than allowed to stall the feed.
func (h *WSHub) deliver(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("ws marshal", "type", f.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(f) {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("ws client evicted (too slow)", "run", c.run)
		}
	}
}

// handleWS serves the live feed. ?run=<id> limits it to one run.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		run:  r.URL.Query().Get("run"),
		send: make(chan []byte, 64),
	}
	st := s.currentStatus()
	snap := frame{Type: eventStatus, Time: time.Now(), Data: st}
	if st.Run != nil {
		snap.RunID = st.Run.ID
	}
	first, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("ws status", "err", err)
		first = nil
	}
	if !s.wsHub.add(client, first) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWrite(client)
	s.wsRead(client)
}

func (s *Server) wsWrite(c *wsClient) {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsRead discards client messages; it exists to notice the disconnect.
func (s *Server) wsRead(c *wsClient) {
	defer s.wsHub.remove(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
