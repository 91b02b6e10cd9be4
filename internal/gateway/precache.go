package gateway

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dukafiti/dukasync/internal/store"
)

// PrecacheConfig configures the static asset precacher.
type PrecacheConfig struct {
	// DistDir is the root of the built UI bundle.
	DistDir string

	// CacheVersion namespaces the cached records.
	CacheVersion string

	// DebounceInterval coalesces rapid file change bursts (default: 2s).
	DebounceInterval time.Duration

	// Logger for precache activity.
	Logger *log.Logger
}

// Precacher populates the response cache from the built UI assets on
// disk and keeps it current as the bundle changes. This makes every
// static asset servable before the first request for it ever arrives,
// which is what lets a cold-start offline session still boot.
type Precacher struct {
	store   *store.Store
	watcher *fsnotify.Watcher
	config  *PrecacheConfig
	logger  *log.Logger

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPrecacher creates a precacher over a store.
func NewPrecacher(st *store.Store, config *PrecacheConfig) (*Precacher, error) {
	if config == nil || config.DistDir == "" {
		return nil, fmt.Errorf("precache dist directory is required")
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 2 * time.Second
	}
	if config.CacheVersion == "" {
		config.CacheVersion = "v1"
	}

	return &Precacher{
		store:       st,
		config:      config,
		logger:      config.Logger,
		changeQueue: make(map[string]time.Time),
		done:        make(chan struct{}),
	}, nil
}

// Warm walks the dist directory and caches every file. index.html is
// additionally stored under the shell key so navigations resolve from
// it.
func (p *Precacher) Warm(ctx context.Context) (int, error) {
	count := 0
	err := filepath.WalkDir(p.config.DistDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.cacheFile(ctx, path); err != nil {
			p.logger.Printf("Failed to precache %s: %v", path, err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to warm precache from %s: %w", p.config.DistDir, err)
	}

	p.logger.Printf("Precached %d assets from %s", count, p.config.DistDir)
	return count, nil
}

// Start begins watching the dist directory for changes. Changed files
// are re-cached after a debounce window so build tools that rewrite
// many files at once cause a single pass.
func (p *Precacher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	p.watcher = watcher

	err = filepath.WalkDir(p.config.DistDir, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", p.config.DistDir, err)
	}

	p.wg.Add(2)
	go p.watchLoop()
	go p.debounceLoop()

	return nil
}

// Stop halts watching. Safe to call when Start was never called.
func (p *Precacher) Stop() {
	close(p.done)
	if p.watcher != nil {
		p.watcher.Close()
	}
	p.wg.Wait()
}

// watchLoop converts fsnotify events into queued changes.
func (p *Precacher) watchLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return

		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// New build output directories need their own watch.
					if err := p.watcher.Add(event.Name); err != nil {
						p.logger.Printf("Failed to watch new directory %s: %v", event.Name, err)
					}
					continue
				}
				p.queueChange(event.Name)
			}

		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Printf("Precache watcher error: %v", err)
		}
	}
}

// queueChange records a pending change with its timestamp.
func (p *Precacher) queueChange(path string) {
	p.changeQueueMu.Lock()
	defer p.changeQueueMu.Unlock()
	p.changeQueue[path] = time.Now()
}

// debounceLoop periodically flushes changes that have settled for at
// least the debounce interval.
func (p *Precacher) debounceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.flushChanges()
		}
	}
}

// flushChanges re-caches every file whose last change is older than the
// debounce interval.
func (p *Precacher) flushChanges() {
	p.changeQueueMu.Lock()
	defer p.changeQueueMu.Unlock()

	now := time.Now()
	for path, queuedAt := range p.changeQueue {
		if now.Sub(queuedAt) < p.config.DebounceInterval {
			continue
		}
		delete(p.changeQueue, path)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.cacheFile(ctx, path); err != nil {
			p.logger.Printf("Failed to re-cache %s: %v", path, err)
		} else {
			p.logger.Printf("Re-cached changed asset %s", path)
		}
		cancel()
	}
}

// cacheFile reads one file and stores it as a synthetic 200 response.
func (p *Precacher) cacheFile(ctx context.Context, path string) error {
	rel, err := filepath.Rel(p.config.DistDir, path)
	if err != nil {
		return err
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = http.DetectContentType(body)
	}

	rec := &store.CacheRecord{
		Version:  p.config.CacheVersion,
		Key:      assetKey(rel),
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{ctype}},
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if err := p.store.PutRecord(ctx, rec); err != nil {
		return err
	}

	// The shell entry point also answers navigation requests.
	if rel == "index.html" {
		shellRec := *rec
		shellRec.Key = ShellKey
		return p.store.PutRecord(ctx, &shellRec)
	}
	return nil
}

// assetKey builds the cache key for a dist-relative path.
func assetKey(rel string) string {
	return "GET /" + strings.ReplaceAll(rel, string(filepath.Separator), "/")
}
