package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yesno/market-engine/internal/metrics"
)

// ErrDropped is returned when the hub's buffer is full.
var ErrDropped = errors.New("notify: hub buffer full, message dropped")

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	queueSize    = 64
)

// subscriber is one browser session. Only its writer goroutine touches the
// connection for writes.
type subscriber struct {
	conn  *websocket.Conn
	queue chan []byte
}

// WSHub fans market events out to WebSocket subscribers. A subscriber whose
// queue fills up is disconnected instead of slowing the others.
type WSHub struct {
	broadcast chan []byte
	joins     chan *subscriber
	leaves    chan *subscriber

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{
		broadcast: make(chan []byte, 256),
		joins:     make(chan *subscriber),
		leaves:    make(chan *subscriber),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Run owns the subscriber set until ctx is done.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case s := <-h.joins:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Debug("ws subscriber joined", "subscribers", n)

		case s := <-h.leaves:
			h.mu.Lock()
			if _, ok := h.subs[s]; ok {
				h.drop(s)
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for s := range h.subs {
				select {
				case s.queue <- msg:
				default:
					slog.Warn("ws subscriber too slow, disconnecting")
					h.drop(s)
				}
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// drop removes s and stops its writer. Callers hold h.mu.
func (h *WSHub) drop(s *subscriber) {
	delete(h.subs, s)
	close(s.queue)
}

func (h *WSHub) Name() string { return "websocket" }

// Publish queues msg for every subscriber.
func (h *WSHub) Publish(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.PublishRaw(data)
}

// PublishRaw queues an encoded message, returning ErrDropped instead of
// blocking the caller when the hub is behind.
func (h *WSHub) PublishRaw(data []byte) error {
	select {
	case h.broadcast <- data:
		return nil
	default:
		return ErrDropped
	}
}

// Clients returns the number of subscribers.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true }, // the gateway enforces origins
}

// HandleWS upgrades the request and streams every broadcast event to it.
// Subscribers never send anything meaningful; reads only track liveness.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	s := &subscriber{conn: conn, queue: make(chan []byte, queueSize)}
	h.joins <- s
	go s.write()
	go h.read(s)
}

func (h *WSHub) read(s *subscriber) {
	defer func() { h.leaves <- s }()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write drains the queue and pings on idle until the hub closes the queue.
func (s *subscriber) write() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
