package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// wsSubscriber is one connected WebSocket consumer. Messages are queued on
// out; a full queue marks the consumer as too slow.
type wsSubscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// WSHub fans pipeline notifications out to WebSocket subscribers. All
// membership changes go through the joins/leaves channels so the Run loop
// is the single writer.
type WSHub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[*wsSubscriber]struct{}

	joins  chan *wsSubscriber
	leaves chan *wsSubscriber
	outbox chan any

	done     chan struct{}
	stopOnce sync.Once
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger: logger,
		subs:   make(map[*wsSubscriber]struct{}),
		joins:  make(chan *wsSubscriber),
		leaves: make(chan *wsSubscriber),
		outbox: make(chan any, 256),
		done:   make(chan struct{}),
	}
}

// Run processes joins, leaves and broadcasts until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case sub := <-h.joins:
			h.add(sub)
		case sub := <-h.leaves:
			h.remove(sub)
		case msg := <-h.outbox:
			h.fanOut(msg)
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues a message for every subscriber. Never blocks; when the
// outbox is full the message is dropped.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.outbox <- msg:
	default:
		h.logger.Warn("ws broadcast queue full, dropping message")
	}
}

func (h *WSHub) add(sub *wsSubscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("ws client connected", "total", total)
}

func (h *WSHub) remove(sub *wsSubscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.out)
	}
	total := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("ws client disconnected", "total", total)
}

func (h *WSHub) fanOut(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "err", err)
		return
	}
	h.mu.Lock()
	var slow []*wsSubscriber
	for sub := range h.subs {
		select {
		case sub.out <- data:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(h.subs, sub)
		close(sub.out)
		h.logger.Warn("ws client evicted (too slow)")
	}
	h.mu.Unlock()
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	for sub := range h.subs {
		close(sub.out)
		delete(h.subs, sub)
	}
	h.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without configured origins nhooyr falls back to a same-origin check.
	opts := &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := &wsSubscriber{conn: conn, out: make(chan []byte, 64)}
	select {
	case s.wsHub.joins <- sub:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(sub)
	s.wsReadLoop(sub)
}

// wsWriteLoop drains the out queue onto the wire until the hub closes it.
func (s *Server) wsWriteLoop(sub *wsSubscriber) {
	for msg := range sub.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sub.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadLoop drains and discards inbound frames; the stream is one-way.
// Returning hands the subscriber back to the hub.
func (s *Server) wsReadLoop(sub *wsSubscriber) {
	defer func() {
		select {
		case s.wsHub.leaves <- sub:
		case <-s.wsHub.done:
			sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

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
		if _, _, err := sub.conn.Read(ctx); err != nil {
			return
		}
	}
}
