package strategy

import (
	"context"
	"net/http"
)

// Policy is a caching strategy executed for a classified request.
//
// Fetch must resolve to a Result on every branch; policies never return
// errors and never panic outward.
type Policy interface {
	// Name identifies the policy in logs and rule files.
	Name() string

	// Fetch answers the request using the engine's cache and network.
	Fetch(ctx context.Context, e *Engine, req *http.Request) *Result
}

// NetworkFirst attempts the network within the engine's timeout; on
// success the response is cached and returned. On transport failure or
// timeout the last cached response is returned annotated as stale; with
// no cache entry a structured offline payload is returned.
//
// Used for data-API reads whose freshness matters (sales, customer
// balances).
type NetworkFirst struct{}

// Name implements Policy.
func (NetworkFirst) Name() string { return "network-first" }

// Fetch implements Policy.
func (NetworkFirst) Fetch(ctx context.Context, e *Engine, req *http.Request) *Result {
	res, err := e.fetchAndStore(ctx, req)
	if err == nil {
		return res
	}

	e.config.Logger.Printf("Network failed for %s %s, falling back to cache: %v",
		req.Method, req.URL.Path, err)

	if rec, ok := e.lookup(ctx, req); ok {
		return cachedResult(rec, true)
	}

	return e.offlineResult("no cached data available for " + req.URL.Path)
}

// CacheFirst returns the cached response immediately when present and
// refetches in the background to keep the cache warm; the network is hit
// directly only on a cache miss.
//
// Used for static assets and for the small set of critical read-through
// endpoints (profile, shop settings) where instant load matters more
// than freshness.
type CacheFirst struct {
	// RefreshOnlineOnly skips the background refresh while the
	// connectivity hint reports offline. Default false: refresh is
	// attempted unconditionally and failures are only logged.
	RefreshOnlineOnly bool
}

// Name implements Policy.
func (CacheFirst) Name() string { return "cache-first" }

// Fetch implements Policy.
func (p CacheFirst) Fetch(ctx context.Context, e *Engine, req *http.Request) *Result {
	if rec, ok := e.lookup(ctx, req); ok {
		if !p.RefreshOnlineOnly || e.online() {
			e.backgroundRefresh(req)
		}
		return cachedResult(rec, false)
	}

	res, err := e.fetchAndStore(ctx, req)
	if err == nil {
		return res
	}

	e.config.Logger.Printf("Cache miss and network failed for %s: %v", req.URL.Path, err)
	return e.offlineResult("resource unavailable offline: " + req.URL.Path)
}

// StaleWhileRevalidate serves the cached response immediately and always
// revalidates in the background; a cache miss falls through to the
// network.
type StaleWhileRevalidate struct{}

// Name implements Policy.
func (StaleWhileRevalidate) Name() string { return "stale-while-revalidate" }

// Fetch implements Policy.
func (StaleWhileRevalidate) Fetch(ctx context.Context, e *Engine, req *http.Request) *Result {
	if rec, ok := e.lookup(ctx, req); ok {
		e.backgroundRefresh(req)
		return cachedResult(rec, false)
	}

	res, err := e.fetchAndStore(ctx, req)
	if err == nil {
		return res
	}

	return e.offlineResult("resource unavailable offline: " + req.URL.Path)
}

// policyByName resolves a rule-file policy name.
func policyByName(name string, refreshOnlineOnly bool) (Policy, bool) {
	switch name {
	case "network-first":
		return NetworkFirst{}, true
	case "cache-first":
		return CacheFirst{RefreshOnlineOnly: refreshOnlineOnly}, true
	case "stale-while-revalidate":
		return StaleWhileRevalidate{}, true
	default:
		return nil, false
	}
}
