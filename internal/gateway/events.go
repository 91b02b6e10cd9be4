// Package gateway provides the HTTP interception layer of dukasync: it
// classifies every request from the shop UI, routes reads through the
// cache strategy engine, captures failed writes into the sync queue,
// guarantees a navigable application shell offline, and broadcasts sync
// progress to connected UI clients over WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dukafiti/dukasync/internal/replay"
	"github.com/dukafiti/dukasync/internal/schema"
)

// MessageType defines the type of an event hub message.
type MessageType string

const (
	// MessageTypeOperationQueued indicates a write was captured into the
	// sync queue.
	MessageTypeOperationQueued MessageType = "operation_queued"

	// MessageTypeOperationSynced indicates a queued write was confirmed
	// by the remote system.
	MessageTypeOperationSynced MessageType = "operation_synced"

	// MessageTypeSyncComplete indicates a replay pass finished.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeTerminalFailure indicates a queued write was removed
	// without remote confirmation.
	MessageTypeTerminalFailure MessageType = "terminal_failure"
)

// Message represents a hub broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OperationEventData describes a queued or synced operation.
type OperationEventData struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	Kind        string `json:"kind"`
	Priority    string `json:"priority"`
}

// TerminalFailureData names the entity whose write failed permanently so
// the UI can show a dismissible notification.
type TerminalFailureData struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	Kind        string `json:"kind"`
	Status      int    `json:"status,omitempty"`
	Attempts    int    `json:"attempts"`
}

// Hub manages WebSocket connections and broadcasts sync events.
// It implements replay.Notifier.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

var _ replay.Notifier = (*Hub)(nil)

// NewHub creates an event hub. Call Start before broadcasting.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes all connections and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// OnOperationQueued broadcasts a pending-write event so the UI can show
// its queued indicator immediately.
func (h *Hub) OnOperationQueued(op *schema.QueuedOperation) {
	h.broadcastData(MessageTypeOperationQueued, OperationEventData{
		OperationID: op.ID,
		EntityType:  string(op.EntityType),
		Kind:        string(op.Kind),
		Priority:    op.Priority.String(),
	})
}

// OnOperationSynced implements replay.Notifier.
func (h *Hub) OnOperationSynced(op *schema.QueuedOperation) {
	h.broadcastData(MessageTypeOperationSynced, OperationEventData{
		OperationID: op.ID,
		EntityType:  string(op.EntityType),
		Kind:        string(op.Kind),
		Priority:    op.Priority.String(),
	})
}

// OnTerminalFailure implements replay.Notifier.
func (h *Hub) OnTerminalFailure(op *schema.QueuedOperation, status int) {
	h.broadcastData(MessageTypeTerminalFailure, TerminalFailureData{
		OperationID: op.ID,
		EntityType:  string(op.EntityType),
		Kind:        string(op.Kind),
		Status:      status,
		Attempts:    op.Attempts,
	})
}

// OnPassComplete implements replay.Notifier.
func (h *Hub) OnPassComplete(result *replay.PassResult) {
	h.broadcastData(MessageTypeSyncComplete, result)
}

// broadcastData marshals an event payload and broadcasts it.
func (h *Hub) broadcastData(typ MessageType, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s event: %v", typ, err)
		return
	}

	h.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastLoop sends queued messages to all connected clients.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The gateway serves the UI on the same origin in production;
		// allow all during development.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("UI client connected (total: %d)", clientCount)

	go h.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		_, _, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the socket is push-only.
	}
}

// removeClient safely removes a client connection.
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("UI client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}
