// Package strategy implements the cache strategy engine: given a
// classified request, it decides whether to answer from the response
// cache, the network, or both, and keeps the cache populated.
//
// The engine is the read path of the sync gateway. It never returns an
// error to its caller - every branch resolves to a Result (live response,
// cached-stale response, or a structured offline payload).
package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dukafiti/dukasync/internal/store"
)

// Offline marker headers attached to degraded responses so the UI can
// render a consistent "showing cached data" state.
const (
	HeaderStale   = "X-Dukasync-Stale"
	HeaderOffline = "X-Dukasync-Offline"
)

// maxCachedBody bounds how large a response body the engine will buffer
// and cache.
const maxCachedBody = 16 << 20 // 16 MiB

// Result is the engine's answer for an intercepted request.
type Result struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
	Stale     bool
	Offline   bool
}

// Config holds configuration for the strategy engine.
type Config struct {
	// CacheVersion namespaces cache records; bumped on deploy.
	CacheVersion string

	// NetworkTimeout bounds every network attempt. A timeout is treated
	// identically to a network error.
	NetworkTimeout time.Duration

	// Online reports the current connectivity hint, used by cache-first
	// rules with RefreshOnlineOnly set. May be nil (assume online).
	Online func() bool

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheVersion:   "v1",
		NetworkTimeout: 4 * time.Second,
		Logger:         log.New(os.Stderr, "[strategy] ", log.LstdFlags),
	}
}

// Engine executes per-request-class cache policies against a remote base
// URL, consulting and populating the response cache in the local store.
type Engine struct {
	cache      ResponseCache
	remote     *url.URL
	client     *http.Client
	classifier *Classifier
	config     *Config

	// bg tracks in-flight background refreshes so tests (and shutdown)
	// can wait for them.
	bg sync.WaitGroup
}

// ResponseCache is the slice of the durable local store the engine needs.
// *store.Store implements it.
type ResponseCache interface {
	PutRecord(ctx context.Context, rec *store.CacheRecord) error
	GetRecord(ctx context.Context, version, key string) (*store.CacheRecord, error)
}

// New creates a strategy engine.
//
// The classifier's rules are evaluated top-down per request; if rules is
// nil, DefaultRules are used. If config is nil, defaults are used.
func New(cache ResponseCache, remote *url.URL, rules []Rule, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[strategy] ", log.LstdFlags)
	}
	if config.NetworkTimeout <= 0 {
		config.NetworkTimeout = 4 * time.Second
	}
	if config.CacheVersion == "" {
		config.CacheVersion = "v1"
	}
	if rules == nil {
		rules = DefaultRules()
	}

	return &Engine{
		cache:      cache,
		remote:     remote,
		client:     &http.Client{Timeout: config.NetworkTimeout},
		classifier: NewClassifier(rules),
		config:     config,
	}
}

// Do classifies the request and executes the matching policy.
//
// Do never returns an error and never panics outward; an internal panic
// degrades to a structured offline payload so one bad request cannot
// break the interception handler.
func (e *Engine) Do(ctx context.Context, req *http.Request) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.config.Logger.Printf("Recovered from panic serving %s %s: %v",
				req.Method, req.URL.Path, r)
			res = e.offlineResult("internal error while offline")
		}
	}()

	rule := e.classifier.Classify(req)
	return rule.Policy.Fetch(ctx, e, req)
}

// Wait blocks until all in-flight background refreshes complete.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// RequestKey returns the cache key for a request: method plus the
// canonical request URI (path and query).
func RequestKey(req *http.Request) string {
	return req.Method + " " + req.URL.RequestURI()
}

// fetchAndStore forwards the request to the remote with a bounded
// timeout. Successful (2xx) responses are written to the response cache;
// non-2xx responses pass through uncached. Returns an error only for
// transport failures and timeouts.
func (e *Engine) fetchAndStore(ctx context.Context, req *http.Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.NetworkTimeout)
	defer cancel()

	outbound, err := e.buildOutbound(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(outbound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &Result{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec := &store.CacheRecord{
			Version: e.config.CacheVersion,
			Key:     RequestKey(req),
			Status:  resp.StatusCode,
			Header:  resp.Header.Clone(),
			Body:    body,
		}
		if err := e.cache.PutRecord(ctx, rec); err != nil {
			// Storage trouble is fatal for the cache write only; the
			// live response still goes back to the caller.
			e.config.Logger.Printf("Failed to cache %s: %v", rec.Key, err)
		}
	}

	return result, nil
}

// lookup consults the response cache for the request.
func (e *Engine) lookup(ctx context.Context, req *http.Request) (*store.CacheRecord, bool) {
	rec, err := e.cache.GetRecord(ctx, e.config.CacheVersion, RequestKey(req))
	if err != nil {
		return nil, false
	}
	return rec, true
}

// backgroundRefresh refetches the request asynchronously and overwrites
// the cache on success. No errors propagate; failures are only logged.
func (e *Engine) backgroundRefresh(req *http.Request) {
	clone := req.Clone(context.Background())
	if req.Body != nil {
		clone.Body = nil
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.config.Logger.Printf("Recovered from panic in background refresh: %v", r)
			}
		}()

		if _, err := e.fetchAndStore(context.Background(), clone); err != nil {
			e.config.Logger.Printf("Background refresh of %s failed: %v",
				clone.URL.Path, err)
		}
	}()
}

// buildOutbound rewrites an intercepted request against the remote base,
// forwarding the original headers (auth included) untouched.
func (e *Engine) buildOutbound(ctx context.Context, req *http.Request) (*http.Request, error) {
	target := *e.remote
	target.Path = req.URL.Path
	target.RawQuery = req.URL.RawQuery

	var body io.Reader
	if req.Body != nil && req.Method != http.MethodGet && req.Method != http.MethodHead {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	outbound, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build outbound request: %w", err)
	}

	for k, vals := range req.Header {
		for _, v := range vals {
			outbound.Header.Add(k, v)
		}
	}

	return outbound, nil
}

// cachedResult converts a cache record into a Result.
func cachedResult(rec *store.CacheRecord, stale bool) *Result {
	header := rec.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if stale {
		header.Set(HeaderStale, "true")
	}
	return &Result{
		Status:    rec.Status,
		Header:    header,
		Body:      rec.Body,
		FromCache: true,
		Stale:     stale,
	}
}

// offlineResult builds the structured offline payload returned when
// neither network nor cache can answer. The payload is a 200-status JSON
// document, never a transport-level failure, so UI code can render a
// consistent "unavailable offline" state.
func (e *Engine) offlineResult(message string) *Result {
	body, _ := json.Marshal(map[string]interface{}{
		"offline": true,
		"message": message,
	})

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderOffline, "true")

	return &Result{
		Status:  http.StatusOK,
		Header:  header,
		Body:    body,
		Offline: true,
	}
}

// online reports the connectivity hint.
func (e *Engine) online() bool {
	if e.config.Online == nil {
		return true
	}
	return e.config.Online()
}
