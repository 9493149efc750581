package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fallen-shinigami/VRCX-sub000/internal/feed"
	"github.com/fallen-shinigami/VRCX-sub000/internal/presence"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// Message is what /feed clients receive.
type Message struct {
	Kind  string           `json:"kind"` // "feed", "alert" or "hud"
	Feed  []feed.Entry     `json:"feed,omitempty"`
	Alert *feed.Entry      `json:"alert,omitempty"`
	HUD   *presence.Report `json:"hud,omitempty"`
}

// Broadcaster fans engine output out to every /feed client. It
// implements engine.Publisher and never blocks the engine: a client
// whose buffer is full is disconnected.
//
// A client connecting late first receives the last feed and HUD.
type Broadcaster struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	lastFeed []byte
	lastHUD  []byte

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type client struct {
	send chan []byte
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients:  make(map[*client]struct{}),
		upgrader: newUpgrader(),
		logger:   logger,
	}
}

func (b *Broadcaster) PublishFeed(entries []feed.Entry) {
	data := b.marshal(Message{Kind: "feed", Feed: entries})
	b.mu.Lock()
	b.lastFeed = data
	b.mu.Unlock()
	b.broadcast(data)
}

func (b *Broadcaster) PublishAlert(entry feed.Entry) {
	b.broadcast(b.marshal(Message{Kind: "alert", Alert: &entry}))
}

func (b *Broadcaster) PublishHUD(report presence.Report) {
	data := b.marshal(Message{Kind: "hud", HUD: &report})
	b.mu.Lock()
	b.lastHUD = data
	b.mu.Unlock()
	b.broadcast(data)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		b.dropLocked(c)
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) marshal(m Message) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		b.logger.Error("marshal broadcast failed", "kind", m.Kind, "error", err)
		return nil
	}
	return data
}

func (b *Broadcaster) broadcast(data []byte) {
	if data == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("feed client too slow, disconnecting")
			b.dropLocked(c)
		}
	}
}

func (b *Broadcaster) dropLocked(c *client) {
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.send)
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("upgrade failed", "endpoint", "feed", "error", err)
		return
	}

	c := &client{send: make(chan []byte, clientBuffer)}
	b.mu.Lock()
	for _, snapshot := range [][]byte{b.lastFeed, b.lastHUD} {
		if snapshot != nil {
			c.send <- snapshot
		}
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	// Reader: only detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				b.mu.Lock()
				b.dropLocked(c)
				b.mu.Unlock()
				return
			}
		}
	}()

	defer conn.Close()
	for data := range c.send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn("feed write failed", "error", err)
			b.mu.Lock()
			b.dropLocked(c)
			b.mu.Unlock()
			return
		}
	}
}
