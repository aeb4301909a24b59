// Package feed fans the coordinator's event stream out to websocket
// subscribers. Clients subscribe to per-market channels; events arrive in
// per-market causal order because the hub consumes a single ordered
// stream.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fundcast/engine/pkg/exchange/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains active connections and broadcasts engine events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		log:     log,
	}
}

// Run consumes the coordinator event stream until it closes.
func (h *Hub) Run(events <-chan types.Event) {
	for ev := range events {
		h.broadcast(ev)
	}
}

func (h *Hub) broadcast(ev types.Event) {
	message, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event marshal failed", zap.Error(err))
		return
	}
	channel := string(ev.MarketID)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Buffer full, skip this client.
		}
	}
}

// ServeWS upgrades an HTTP request into a feed subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}
	h.register(client)
	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("feed client connected", zap.String("client", c.id), zap.Int("total", total))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info("feed client disconnected", zap.String("client", c.id), zap.Int("total", total))
}
