package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dukafiti/dukasync/internal/store"
)

// ShellKey is the cache key under which the application shell document
// (the SPA entry point) is stored.
const ShellKey = "GET /"

// maxCachedBody bounds how large a navigation document the resolver will
// buffer and cache.
const maxCachedBody = 16 << 20 // 16 MiB

// shellFallback is the synthesized application shell served when no
// cached shell exists at all. It is a structurally complete document that
// boots the client bundle, so the UI can still read the local store once
// the bundle executes - never a dead "you are offline" page.
const shellFallback = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>DukaFiti</title>
</head>
<body data-dukasync-fallback="true">
    <div id="root">
        <div class="dukasync-loading">Loading DukaFiti&hellip;</div>
    </div>
    <script type="module" src="%s"></script>
</body>
</html>`

// ShellResolver guarantees that any full-page navigation resolves to a
// renderable application shell regardless of connectivity.
//
// Resolution order: bounded-timeout network fetch, then the cached shell
// document, then the synthesized fallback. Only top-level navigation
// documents receive this treatment; missing sub-resources (JS/CSS) are
// answered by the strategy engine and are never substituted with the
// shell.
type ShellResolver struct {
	cache   *store.Store
	remote  *url.URL
	client  *http.Client
	version string

	// bundlePath is the script URL embedded in the synthesized shell.
	bundlePath string

	logger *log.Logger
}

// ShellConfig configures the resolver.
type ShellConfig struct {
	// CacheVersion namespaces the cached shell document.
	CacheVersion string

	// NetworkTimeout bounds the navigation network attempt.
	NetworkTimeout time.Duration

	// BundlePath is the application bundle booted by the synthesized
	// fallback shell (default: /assets/index.js).
	BundlePath string

	// Logger for resolver activity.
	Logger *log.Logger
}

// NewShellResolver creates a resolver over the response cache.
func NewShellResolver(cache *store.Store, remote *url.URL, config *ShellConfig) *ShellResolver {
	if config == nil {
		config = &ShellConfig{}
	}
	if config.CacheVersion == "" {
		config.CacheVersion = "v1"
	}
	if config.NetworkTimeout <= 0 {
		config.NetworkTimeout = 4 * time.Second
	}
	if config.BundlePath == "" {
		config.BundlePath = "/assets/index.js"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[shell] ", log.LstdFlags)
	}

	return &ShellResolver{
		cache:      cache,
		remote:     remote,
		client:     &http.Client{Timeout: config.NetworkTimeout},
		version:    config.CacheVersion,
		bundlePath: config.BundlePath,
		logger:     config.Logger,
	}
}

// Resolve serves a navigation request. It always writes a renderable
// HTML document; the status is 200 on every fallback branch.
func (sr *ShellResolver) Resolve(w http.ResponseWriter, r *http.Request) {
	if rec, ok := sr.fetchShell(r); ok {
		writeRecord(w, rec)
		return
	}

	// Network lost: the cached shell covers any route, since the
	// in-page router resolves the specific path client-side.
	rec, err := sr.cache.GetRecord(r.Context(), sr.version, ShellKey)
	if err == nil {
		sr.logger.Printf("Serving cached shell for %s", r.URL.Path)
		writeRecord(w, rec)
		return
	}

	sr.logger.Printf("No cached shell, synthesizing fallback for %s", r.URL.Path)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, shellFallback, sr.bundlePath)
}

// fetchShell attempts the navigation over the network within the
// timeout. Successful HTML responses refresh the cached shell.
func (sr *ShellResolver) fetchShell(r *http.Request) (*store.CacheRecord, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), sr.client.Timeout)
	defer cancel()

	target := *sr.remote
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Accept", r.Header.Get("Accept"))

	resp, err := sr.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	// A server error page is no more useful to a navigation than a dead
	// network; fall through to the cached shell.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return nil, false
	}

	rec := &store.CacheRecord{
		Version: sr.version,
		Key:     ShellKey,
		Status:  resp.StatusCode,
		Header:  resp.Header.Clone(),
		Body:    body,
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/html")
	if ok {
		if err := sr.cache.PutRecord(ctx, rec); err != nil {
			sr.logger.Printf("Failed to cache shell: %v", err)
		}
	}

	return rec, true
}

// writeRecord copies a cache record onto the response.
func writeRecord(w http.ResponseWriter, rec *store.CacheRecord) {
	for k, vals := range rec.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
