// Package notify fans sync state transitions out to connected websocket
// clients. Delivery is best-effort: there is no persistence, no replay for
// late joiners and no retry of a failed send.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/logger"
)

const EventTypeSyncUpdate = "sync_update"

// Event is the message pushed to subscribers.
type Event struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Status     string `json:"status"`
}

type Hub struct {
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	broadcast      chan Event
	writeTimeout   time.Duration
	originPatterns []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Options struct {
	// BufferSize bounds queued events; Broadcast drops events when full.
	BufferSize     int
	WriteTimeout   time.Duration
	OriginPatterns []string
}

func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:        make(map[*websocket.Conn]struct{}),
		broadcast:      make(chan Event, opts.BufferSize),
		writeTimeout:   opts.WriteTimeout,
		originPatterns: opts.OriginPatterns,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop ends the broadcast loop and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	// Close waits for each peer's handshake, so peers are closed in parallel.
	var closing sync.WaitGroup
	for _, conn := range clients {
		closing.Add(1)
		go func(c *websocket.Conn) {
			defer closing.Done()
			_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		}(conn)
	}
	closing.Wait()

	h.wg.Wait()
	logger.Log.Info("Stopped notification hub")
}

// Broadcast queues a sync_update event. It never blocks.
func (h *Hub) Broadcast(entityType, entityID, status string) {
	ev := Event{
		Type:       EventTypeSyncUpdate,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     status,
	}
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		logger.Log.Warn("Broadcast buffer full, dropping event",
			zap.String("entity_id", entityID),
			zap.String("status", status),
		)
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Log.Error("Failed to marshal event", zap.Error(err))
				continue
			}
			h.send(data)
		}
	}
}

func (h *Hub) send(data []byte) {
	h.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			logger.Log.Debug("Dropping subscriber after failed send", zap.Error(err))
			h.removeClient(conn)
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		logger.Log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()

	logger.Log.Info("Subscriber connected", zap.Int("total", n))

	go h.readLoop(conn)
}

// readLoop only detects disconnects; client messages are keep-alives.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	logger.Log.Info("Subscriber disconnected", zap.Int("total", n))
}
