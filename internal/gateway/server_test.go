package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukafiti/dukasync/internal/queue"
	"github.com/dukafiti/dukasync/internal/replay"
	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/strategy"
)

// fakeScheduler drives the gateway's connectivity hint in tests.
type fakeScheduler struct {
	online       atomic.Bool
	connectivity chan struct{}
	ticks        chan time.Time
	manual       chan struct{}
}

func newFakeScheduler(online bool) *fakeScheduler {
	s := &fakeScheduler{
		connectivity: make(chan struct{}, 1),
		ticks:        make(chan time.Time, 1),
		manual:       make(chan struct{}, 1),
	}
	s.online.Store(online)
	return s
}

func (s *fakeScheduler) Connectivity() <-chan struct{} { return s.connectivity }
func (s *fakeScheduler) Ticks() <-chan time.Time       { return s.ticks }
func (s *fakeScheduler) Manual() <-chan struct{}       { return s.manual }
func (s *fakeScheduler) Online() bool                  { return s.online.Load() }
func (s *fakeScheduler) TriggerManual() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// testGateway assembles a full gateway over a store and remote URL.
func testGateway(t *testing.T, remote *url.URL, online bool) (*Server, *store.Store, *fakeScheduler) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	sched := newFakeScheduler(online)

	q := queue.New(st, &queue.Config{Logger: logger, Wake: sched.TriggerManual})
	engine := strategy.New(st, remote, nil, &strategy.Config{
		NetworkTimeout: time.Second,
		Online:         sched.Online,
		Logger:         logger,
	})
	transport := replay.NewHTTPTransport(remote, time.Second)
	replayer := replay.New(q, st, transport, sched, &replay.Config{Logger: logger})

	srv := NewServer(engine, q, st, replayer, sched, remote, nil, &Config{
		NetworkTimeout: time.Second,
		Logger:         logger,
	})
	return srv, st, sched
}

// deadRemote returns a URL with nothing listening behind it.
func deadRemote(t *testing.T) *url.URL {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	u, _ := url.Parse(srv.URL)
	return u
}

func TestIntercept_ShellFallbackWhenFullyOffline(t *testing.T) {
	// No backend, no cache: a navigation must still produce a bootable
	// document, never an error page.
	srv, _, _ := testGateway(t, deadRemote(t), false)

	req := httptest.NewRequest("GET", "/dashboard", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `data-dukasync-fallback="true"`) {
		t.Error("fallback shell marker missing")
	}
	if !strings.Contains(body, `<div id="root">`) {
		t.Error("fallback shell has no mount point")
	}
	if !strings.Contains(body, `<script type="module"`) {
		t.Error("fallback shell does not boot the bundle")
	}
}

func TestIntercept_CachedShellForAnyRoute(t *testing.T) {
	srv, st, _ := testGateway(t, deadRemote(t), false)

	if err := st.PutRecord(context.Background(), &store.CacheRecord{
		Version: "v1",
		Key:     ShellKey,
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": []string{"text/html"}},
		Body:    []byte("<html>cached shell</html>"),
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	// The client router owns the path; any navigation gets the shell.
	for _, path := range []string{"/", "/inventory", "/customers/c9"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Accept", "text/html")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || rec.Body.String() != "<html>cached shell</html>" {
			t.Errorf("navigation %s: status=%d body=%q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestIntercept_MissingAssetNeverGetsShell(t *testing.T) {
	srv, st, _ := testGateway(t, deadRemote(t), false)

	if err := st.PutRecord(context.Background(), &store.CacheRecord{
		Version: "v1",
		Key:     ShellKey,
		Status:  http.StatusOK,
		Body:    []byte("<html>shell</html>"),
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/assets/missing-chunk.js", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), "shell") {
		t.Error("missing asset answered with the shell document")
	}
	if rec.Header().Get(strategy.HeaderOffline) != "true" {
		t.Errorf("missing asset not marked offline: %v", rec.Header())
	}
}

func TestIntercept_CachedAssetServedWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()
	remote, _ := url.Parse(backend.URL)

	srv, st, _ := testGateway(t, remote, false)

	if err := st.PutRecord(context.Background(), &store.CacheRecord{
		Version: "v1",
		Key:     "GET /assets/index.js",
		Status:  http.StatusOK,
		Header:  http.Header{"Content-Type": []string{"text/javascript"}},
		Body:    []byte("console.log('boot')"),
	}); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/assets/index.js", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "console.log('boot')" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
	// Offline and RefreshOnlineOnly unset: cache-first still refreshes
	// only in the background, never on the serving path.
	if rec.Header().Get("Content-Type") != "text/javascript" {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandleWrite_OfflineQueuesAndAccepts(t *testing.T) {
	srv, st, _ := testGateway(t, deadRemote(t), false)
	ctx := context.Background()

	payload := `{"name":"Rice 5kg","price":650}`
	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp struct {
		Success     bool   `json:"success"`
		Queued      bool   `json:"queued"`
		ID          string `json:"id"`
		OperationID string `json:"operation_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if !resp.Success || !resp.Queued {
		t.Errorf("response = %+v", resp)
	}
	if !schema.IsLocalID(resp.ID) {
		t.Errorf("create without id got entity ID %q, want local-", resp.ID)
	}
	if resp.OperationID == "" {
		t.Error("no operation ID returned")
	}

	// The operation is durably queued at medium priority.
	ops, err := st.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("queue holds %d operations, want 1", len(ops))
	}
	if ops[0].EntityType != schema.EntityProduct || ops[0].Priority != schema.PriorityMedium {
		t.Errorf("queued op = %+v", ops[0])
	}

	// The optimistic local copy is readable before any sync.
	ent, err := st.GetEntity(ctx, schema.EntityProduct, resp.ID)
	if err != nil {
		t.Fatalf("optimistic entity missing: %v", err)
	}
	if ent.Synced {
		t.Error("optimistic entity marked synced before replay")
	}
}

func TestHandleWrite_OnlineRelaysBackendResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"srv-7","name":"Rice 5kg"}`))
	}))
	defer backend.Close()
	remote, _ := url.Parse(backend.URL)

	srv, st, _ := testGateway(t, remote, true)

	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(`{"name":"Rice 5kg"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	// Nothing queued; the local mirror holds the server copy.
	ops, _ := st.ListOperations(context.Background())
	if len(ops) != 0 {
		t.Errorf("online write was queued")
	}
	ent, err := st.GetEntity(context.Background(), schema.EntityProduct, "srv-7")
	if err != nil {
		t.Fatalf("mirrored entity missing: %v", err)
	}
	if !ent.Synced {
		t.Error("mirrored entity not marked synced")
	}
}

func TestHandleWrite_BackendRejectionNotQueued(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"price must be positive"}`, http.StatusUnprocessableEntity)
	}))
	defer backend.Close()
	remote, _ := url.Parse(backend.URL)

	srv, st, _ := testGateway(t, remote, true)

	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(`{"price":-1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// Validation failures surface immediately and never enter the queue.
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	ops, _ := st.ListOperations(context.Background())
	if len(ops) != 0 {
		t.Error("rejected write was queued")
	}
}

func TestForceSync_DrainsQueueOnce(t *testing.T) {
	var posts atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"srv-1","name":"Rice 5kg"}`))
	}))
	defer backend.Close()
	remote, _ := url.Parse(backend.URL)

	srv, st, sched := testGateway(t, remote, false)

	// Queue a write while offline.
	req := httptest.NewRequest("POST", "/api/products", strings.NewReader(`{"name":"Rice 5kg"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("offline write status = %d", rec.Code)
	}

	// Back online: a forced pass drains it with exactly one POST.
	sched.online.Store(true)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/dukasync/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("force sync status = %d", rec.Code)
	}

	var result replay.PassResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("pass result not JSON: %v", err)
	}
	if result.Synced != 1 {
		t.Errorf("synced = %d, want 1", result.Synced)
	}
	if posts.Load() != 1 {
		t.Errorf("backend received %d POSTs, want 1", posts.Load())
	}

	// The local ID was reconciled with the server-assigned one.
	ent, err := st.GetEntity(context.Background(), schema.EntityProduct, "srv-1")
	if err != nil {
		t.Fatalf("reconciled entity missing: %v", err)
	}
	if !ent.Synced {
		t.Error("entity not marked synced after replay")
	}

	// A second forced pass finds nothing.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/dukasync/sync", nil))
	if posts.Load() != 1 {
		t.Errorf("replay repeated: %d POSTs", posts.Load())
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _, _ := testGateway(t, deadRemote(t), false)

	// Two offline writes: one sale (high), one product (medium).
	for _, tc := range []struct{ path, body string }{
		{"/api/sales", `{"total":100}`},
		{"/api/products", `{"name":"Soap"}`},
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body)))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("write %s status = %d", tc.path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/dukasync/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}

	var stats struct {
		ByPriority map[string]int `json:"byPriority"`
		Total      int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats not JSON: %v", err)
	}
	if stats.Total != 2 || stats.ByPriority["high"] != 1 || stats.ByPriority["medium"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := testGateway(t, deadRemote(t), true)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	var health struct {
		Status  string `json:"status"`
		Online  bool   `json:"online"`
		Pending int    `json:"pending"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health not JSON: %v", err)
	}
	if health.Status != "ok" || !health.Online {
		t.Errorf("health = %+v", health)
	}
}

func TestClearEndpoint(t *testing.T) {
	srv, st, _ := testGateway(t, deadRemote(t), false)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/sales", strings.NewReader(`{"total":50}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("write status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/dukasync/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	ops, err := st.ListOperations(ctx)
	if err != nil {
		t.Fatalf("ListOperations failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("queue survived clear")
	}

	// GET is rejected; clear is destructive.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/dukasync/clear", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET clear status = %d, want 405", rec.Code)
	}
}

func TestEntityTypeFromPath(t *testing.T) {
	for _, tc := range []struct {
		path string
		want schema.EntityType
	}{
		{"/api/products", schema.EntityProduct},
		{"/api/products/42", schema.EntityProduct},
		{"/api/customers/c1/debts", schema.EntityCustomer},
		{"/api/sales", schema.EntitySale},
		{"/api/transactions", schema.EntityTransaction},
		{"/api/reports", schema.EntityType("report")},
	} {
		if got := entityTypeFromPath(tc.path); got != tc.want {
			t.Errorf("entityTypeFromPath(%s) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	srv, _, _ := testGateway(t, deadRemote(t), false)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if srv.GetAddr() == "" {
		t.Fatal("no listen address")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
