package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukafiti/dukasync/internal/schema"
)

// testStore opens a store in a temp directory with schema initialized.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return st
}

func testEntity(id string) *schema.CachedEntity {
	return &schema.CachedEntity{
		EntityType:    schema.EntityProduct,
		ID:            id,
		Payload:       json.RawMessage(`{"id":"` + id + `","name":"Sugar 1kg"}`),
		LastWrittenAt: time.Now(),
		Synced:        false,
	}
}

func testOp(id string, priority schema.Priority, enqueuedAt time.Time) *schema.QueuedOperation {
	return &schema.QueuedOperation{
		ID:          id,
		EntityType:  schema.EntitySale,
		Kind:        schema.OpCreate,
		Data:        json.RawMessage(`{"id":"` + id + `","total":100}`),
		Method:      "POST",
		Path:        "/api/sales",
		EnqueuedAt:  enqueuedAt,
		Priority:    priority,
		MaxAttempts: 3,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	st := testStore(t)

	// Running schema init again must not fail or lose data.
	ctx := context.Background()
	if err := st.UpsertEntity(ctx, testEntity("p1")); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
	if _, err := st.GetEntity(ctx, schema.EntityProduct, "p1"); err != nil {
		t.Fatalf("entity lost after re-init: %v", err)
	}
}

func TestUpsertEntity_Overwrite(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	ent := testEntity("p1")
	if err := st.UpsertEntity(ctx, ent); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	ent.Payload = json.RawMessage(`{"id":"p1","name":"Sugar 2kg"}`)
	ent.Synced = true
	if err := st.UpsertEntity(ctx, ent); err != nil {
		t.Fatalf("second UpsertEntity failed: %v", err)
	}

	got, err := st.GetEntity(ctx, schema.EntityProduct, "p1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !got.Synced {
		t.Error("Synced flag not updated")
	}
	if string(got.Payload) != `{"id":"p1","name":"Sugar 2kg"}` {
		t.Errorf("payload not updated: %s", got.Payload)
	}

	n, err := st.CountEntitiesByType(ctx, schema.EntityProduct)
	if err != nil {
		t.Fatalf("CountEntitiesByType failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 product after upsert, got %d", n)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	st := testStore(t)

	_, err := st.GetEntity(context.Background(), schema.EntityProduct, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteEntity_Idempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertEntity(ctx, testEntity("p1")); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.DeleteEntity(ctx, schema.EntityProduct, "p1"); err != nil {
		t.Fatalf("DeleteEntity failed: %v", err)
	}
	if err := st.DeleteEntity(ctx, schema.EntityProduct, "p1"); err != nil {
		t.Errorf("second DeleteEntity failed: %v", err)
	}
}

func TestReplaceEntityID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	localID := schema.NewLocalID()
	ent := testEntity(localID)
	if err := st.UpsertEntity(ctx, ent); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	if err := st.ReplaceEntityID(ctx, schema.EntityProduct, localID, "srv-42"); err != nil {
		t.Fatalf("ReplaceEntityID failed: %v", err)
	}

	if _, err := st.GetEntity(ctx, schema.EntityProduct, localID); !errors.Is(err, ErrNotFound) {
		t.Errorf("local ID row still present: %v", err)
	}
	if _, err := st.GetEntity(ctx, schema.EntityProduct, "srv-42"); err != nil {
		t.Errorf("server ID row missing: %v", err)
	}
}

func TestReplaceEntityID_TargetExists(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	localID := schema.NewLocalID()
	if err := st.UpsertEntity(ctx, testEntity(localID)); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.UpsertEntity(ctx, testEntity("srv-42")); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}

	// The server row wins; the local row is dropped, not duplicated.
	if err := st.ReplaceEntityID(ctx, schema.EntityProduct, localID, "srv-42"); err != nil {
		t.Fatalf("ReplaceEntityID failed: %v", err)
	}

	n, err := st.CountEntitiesByType(ctx, schema.EntityProduct)
	if err != nil {
		t.Fatalf("CountEntitiesByType failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entity after reconcile, got %d", n)
	}
}

func TestListOperations_ReplayOrder(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now()
	// Inserted out of order on purpose.
	ops := []*schema.QueuedOperation{
		testOp("op-low", schema.PriorityLow, base),
		testOp("op-high-late", schema.PriorityHigh, base.Add(2*time.Second)),
		testOp("op-medium", schema.PriorityMedium, base.Add(time.Second)),
		testOp("op-high-early", schema.PriorityHigh, base),
	}
	for _, op := range ops {
		if err := st.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation(%s) failed: %v", op.ID, err)
		}
	}

	got, err := st.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}

	want := []string{"op-high-early", "op-high-late", "op-medium", "op-low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d operations, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestInsertOperation_DuplicateID(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	op := testOp("op-1", schema.PriorityHigh, time.Now())
	if err := st.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}
	if err := st.InsertOperation(ctx, op); err == nil {
		t.Error("duplicate operation ID accepted")
	}
}

func TestIncrementAttempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	op := testOp("op-1", schema.PriorityHigh, time.Now())
	if err := st.InsertOperation(ctx, op); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		attempts, max, err := st.IncrementAttempts(ctx, "op-1")
		if err != nil {
			t.Fatalf("IncrementAttempts failed: %v", err)
		}
		if attempts != want || max != 3 {
			t.Errorf("got attempts=%d max=%d, want attempts=%d max=3", attempts, max, want)
		}
	}

	if _, _, err := st.IncrementAttempts(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing op, got %v", err)
	}
}

func TestStats(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, p := range []schema.Priority{
		schema.PriorityHigh, schema.PriorityHigh,
		schema.PriorityMedium, schema.PriorityLow,
	} {
		op := testOp(schema.NewOperationID(), p, now.Add(time.Duration(i)*time.Millisecond))
		if err := st.InsertOperation(ctx, op); err != nil {
			t.Fatalf("InsertOperation failed: %v", err)
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.High != 2 || stats.Medium != 1 || stats.Low != 1 || stats.Total != 4 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCacheRecord_RoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	rec := &CacheRecord{
		Version: "v1",
		Key:     "GET /api/products",
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`[{"id":"p1"}]`),
	}
	if err := st.PutRecord(ctx, rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := st.GetRecord(ctx, "v1", "GET /api/products")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != http.StatusOK {
		t.Errorf("status = %d", got.Status)
	}
	if got.Header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", got.Header.Get("Content-Type"))
	}
	if string(got.Body) != `[{"id":"p1"}]` {
		t.Errorf("body = %s", got.Body)
	}
	if got.StoredAt.IsZero() {
		t.Error("StoredAt not set")
	}

	if _, err := st.GetRecord(ctx, "v1", "GET /missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on miss, got %v", err)
	}
}

func TestPurgeOtherVersions(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for _, rec := range []*CacheRecord{
		{Version: "v1", Key: "GET /a", Status: 200, Body: []byte("old")},
		{Version: "v1", Key: "GET /b", Status: 200, Body: []byte("old")},
		{Version: "v2", Key: "GET /a", Status: 200, Body: []byte("new")},
	} {
		if err := st.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}
	}

	purged, err := st.PurgeOtherVersions(ctx, "v2")
	if err != nil {
		t.Fatalf("PurgeOtherVersions failed: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	if _, err := st.GetRecord(ctx, "v2", "GET /a"); err != nil {
		t.Errorf("current version record lost: %v", err)
	}
	if _, err := st.GetRecord(ctx, "v1", "GET /a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale version record survived: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertEntity(ctx, testEntity("p1")); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.InsertOperation(ctx, testOp("op-1", schema.PriorityHigh, time.Now())); err != nil {
		t.Fatalf("InsertOperation failed: %v", err)
	}
	if err := st.PutRecord(ctx, &CacheRecord{Version: "v1", Key: "GET /a", Status: 200}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	if err := st.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	if n, _ := st.CountEntities(ctx); n != 0 {
		t.Errorf("%d entities survived clear", n)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("%d operations survived clear", stats.Total)
	}
	if n, _ := st.CountRecords(ctx, "v1"); n != 0 {
		t.Errorf("%d cache records survived clear", n)
	}
}

func TestMarkSynced(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.UpsertEntity(ctx, testEntity("p1")); err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := st.MarkSynced(ctx, schema.EntityProduct, "p1"); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	got, err := st.GetEntity(ctx, schema.EntityProduct, "p1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !got.Synced {
		t.Error("entity not marked synced")
	}

	if err := st.MarkSynced(ctx, schema.EntityProduct, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
