package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dukafiti/dukasync/internal/schema"
)

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub(log.New(io.Discard, "", 0))
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.handleWebSocket))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Connection registration is asynchronous with the dial.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want 1", hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	op := &schema.QueuedOperation{
		ID:         schema.NewOperationID(),
		EntityType: schema.EntitySale,
		Kind:       schema.OpCreate,
		Priority:   schema.PriorityHigh,
	}
	hub.OnOperationQueued(op)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("message not JSON: %v", err)
	}
	if msg.Type != MessageTypeOperationQueued {
		t.Errorf("message type = %s", msg.Type)
	}

	var event OperationEventData
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("event data not JSON: %v", err)
	}
	if event.OperationID != op.ID || event.EntityType != "sale" || event.Priority != "high" {
		t.Errorf("event = %+v", event)
	}
}

func TestHub_BroadcastWithoutClientsDoesNotBlock(t *testing.T) {
	hub := NewHub(log.New(io.Discard, "", 0))
	hub.Start()
	defer hub.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.OnOperationSynced(&schema.QueuedOperation{
				ID:         schema.NewOperationID(),
				EntityType: schema.EntityProduct,
				Kind:       schema.OpUpdate,
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked with no clients connected")
	}
}
