package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dukafiti/dukasync/internal/queue"
	"github.com/dukafiti/dukasync/internal/replay"
	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/strategy"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8384).
	Port int

	// CacheVersion namespaces cache records.
	CacheVersion string

	// NetworkTimeout bounds direct write forwards.
	NetworkTimeout time.Duration

	// BundlePath for the synthesized fallback shell.
	BundlePath string

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           8384,
		CacheVersion:   "v1",
		NetworkTimeout: 4 * time.Second,
		Logger:         log.Default(),
	}
}

// Server is the request interception layer: every request from the shop
// UI enters here, is classified, and is routed through the strategy
// engine, the write/queue path, or the shell resolver.
//
// The server is the outermost boundary - no handler ever lets a panic or
// unhandled error escape, because an uncaught failure here would break
// every subsequent request of the session.
type Server struct {
	engine    *strategy.Engine
	queue     queue.Manager
	store     *store.Store
	replayer  *replay.Engine
	sched     replay.Scheduler
	shell     *ShellResolver
	transport replay.Transport
	hub       *Hub

	addr     string
	listener net.Listener
	server   *http.Server
	config   *Config
	wg       sync.WaitGroup
	logger   *log.Logger
}

// NewServer wires the interception layer over its collaborators.
//
// remote is the base URL of the backend the gateway fronts. The hub may
// be shared with the replay engine as its Notifier.
func NewServer(engine *strategy.Engine, q queue.Manager, st *store.Store,
	replayer *replay.Engine, sched replay.Scheduler, remote *url.URL,
	hub *Hub, config *Config) *Server {

	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.NetworkTimeout <= 0 {
		config.NetworkTimeout = 4 * time.Second
	}
	if hub == nil {
		hub = NewHub(config.Logger)
	}

	shell := NewShellResolver(st, remote, &ShellConfig{
		CacheVersion:   config.CacheVersion,
		NetworkTimeout: config.NetworkTimeout,
		BundlePath:     config.BundlePath,
		Logger:         config.Logger,
	})

	return &Server{
		engine:    engine,
		queue:     q,
		store:     st,
		replayer:  replayer,
		sched:     sched,
		shell:     shell,
		transport: replay.NewHTTPTransport(remote, config.NetworkTimeout),
		hub:       hub,
		addr:      fmt.Sprintf(":%d", config.Port),
		config:    config,
		logger:    config.Logger,
	}
}

// Hub returns the server's event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the server's HTTP handler, usable without Start for
// tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/dukasync/stats", s.handleStats)
	mux.HandleFunc("/dukasync/sync", s.handleForceSync)
	mux.HandleFunc("/dukasync/clear", s.handleClear)
	mux.HandleFunc("/dukasync/events", s.hub.handleWebSocket)
	mux.HandleFunc("/", s.intercept)
	return mux
}

// Start begins listening and serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: navigation fallbacks and WebSocket pushes
		// outlive short windows.
	}

	s.hub.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync gateway listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync gateway")

	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.engine.Wait()

	s.logger.Println("Sync gateway stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// handleHealth returns gateway health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	pending := 0
	if err == nil {
		pending = stats.Total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"online":  s.sched.Online(),
		"pending": pending,
		"clients": s.hub.ClientCount(),
	})
}

// handleStats returns queue statistics for UI badges.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Printf("Failed to read queue stats: %v", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"offline": true,
			"message": "queue statistics unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"byPriority": map[string]int{
			"high":   stats.High,
			"medium": stats.Medium,
			"low":    stats.Low,
		},
		"total": stats.Total,
	})
}

// handleForceSync triggers an immediate replay pass and reports its
// result. A pass already in progress is not duplicated.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.replayer.Sync(r.Context())
	if err == replay.ErrReplayInProgress {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"in_progress": true,
		})
		return
	}
	if err != nil {
		s.logger.Printf("Force sync failed: %v", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"offline": true,
			"message": "sync failed, will retry automatically",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleClear wipes the local store and sync queue. Destructive; used
// for reset and testing.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.store.ClearAll(r.Context()); err != nil {
		s.logger.Printf("Clear failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"message": "failed to clear local store",
		})
		return
	}

	s.logger.Println("Local store and sync queue cleared")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
