package network

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const feedWriteTimeout = 5 * time.Second

// feedFrame is the wire envelope for one event.
type feedFrame struct {
	Event     string `json:"event"`
	Data      Event  `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Feed relays the network's event stream to websocket observers. Slow or
// broken connections are dropped rather than allowed to stall the bus.
type Feed struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	done chan struct{}
}

// NewFeed subscribes to the bus and starts the broadcast pump.
func NewFeed(bus *Bus, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "event-feed"),
		conns:  make(map[*websocket.Conn]struct{}),
		done:   make(chan struct{}),
	}
	go f.pump(bus.Subscribe())
	return f
}

// Handler upgrades an HTTP request into a feed subscription.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		f.mu.Lock()
		f.conns[conn] = struct{}{}
		f.mu.Unlock()
		f.logger.Info("observer connected", "remote", conn.RemoteAddr().String())

		// Drain (and discard) client frames so pings and closes are handled.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					f.drop(conn)
					return
				}
			}
		}()
	}
}

// ConnCount returns the number of connected observers.
func (f *Feed) ConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Close disconnects every observer and stops the pump once the subscribed
// bus channel closes.
func (f *Feed) Close() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = make(map[*websocket.Conn]struct{})
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (f *Feed) pump(events <-chan Event) {
	defer close(f.done)
	for ev := range events {
		frame := feedFrame{
			Event:     ev.Name(),
			Data:      ev,
			Timestamp: time.Now().UnixMilli(),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			f.logger.Warn("event encode failed", "event", ev.Name(), "error", err)
			continue
		}
		f.broadcast(payload)
	}
	f.Close()
}

func (f *Feed) broadcast(payload []byte) {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			f.drop(c)
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	_, present := f.conns[conn]
	delete(f.conns, conn)
	f.mu.Unlock()
	if present {
		_ = conn.Close()
		f.logger.Info("observer disconnected", "remote", conn.RemoteAddr().String())
	}
}
