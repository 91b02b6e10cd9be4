// Package replay drains the sync queue against the remote system when
// connectivity allows, one operation at a time, preserving priority
// order.
package replay

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler supplies the signals that trigger a replay pass. The replay
// engine depends only on this interface, so tests can drive it without a
// real network stack or timers.
type Scheduler interface {
	// Connectivity fires when connectivity transitions from offline to
	// online.
	Connectivity() <-chan struct{}

	// Ticks fires periodically for environments where connectivity
	// events are unreliable.
	Ticks() <-chan time.Time

	// Manual fires on an explicit "sync now" trigger.
	Manual() <-chan struct{}

	// Online reports the most recent connectivity observation.
	Online() bool

	// TriggerManual requests an immediate replay pass. Non-blocking;
	// a trigger during an in-flight pass is coalesced.
	TriggerManual()
}

// TickerSchedulerConfig configures the production scheduler.
type TickerSchedulerConfig struct {
	// ProbeURL is the remote health endpoint polled for connectivity.
	ProbeURL string

	// ProbeInterval is how often connectivity is probed (default: 30s).
	ProbeInterval time.Duration

	// TickInterval is the periodic replay interval (default: 2m).
	TickInterval time.Duration

	// ProbeTimeout bounds each probe request (default: 3s).
	ProbeTimeout time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// TickerScheduler probes the remote health endpoint on an interval and
// fires the connectivity signal on each offline-to-online transition,
// alongside a periodic tick and a manual trigger channel.
type TickerScheduler struct {
	config TickerSchedulerConfig
	client *http.Client

	connectivity chan struct{}
	ticks        chan time.Time
	manual       chan struct{}

	online atomic.Bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewTickerScheduler creates a scheduler. Call Run to start probing.
func NewTickerScheduler(config TickerSchedulerConfig) *TickerScheduler {
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = 30 * time.Second
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 2 * time.Minute
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	s := &TickerScheduler{
		config:       config,
		client:       &http.Client{Timeout: config.ProbeTimeout},
		connectivity: make(chan struct{}, 1),
		ticks:        make(chan time.Time, 1),
		manual:       make(chan struct{}, 1),
	}
	// Optimistic until the first probe says otherwise.
	s.online.Store(true)
	return s
}

// Connectivity implements Scheduler.
func (s *TickerScheduler) Connectivity() <-chan struct{} { return s.connectivity }

// Ticks implements Scheduler.
func (s *TickerScheduler) Ticks() <-chan time.Time { return s.ticks }

// Manual implements Scheduler.
func (s *TickerScheduler) Manual() <-chan struct{} { return s.manual }

// Online implements Scheduler.
func (s *TickerScheduler) Online() bool { return s.online.Load() }

// TriggerManual implements Scheduler.
func (s *TickerScheduler) TriggerManual() {
	select {
	case s.manual <- struct{}{}:
	default:
		// A trigger is already pending; coalesce.
	}
}

// Run starts the probe and tick loops and blocks until ctx is cancelled.
func (s *TickerScheduler) Run(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.probeLoop(ctx)
		go s.tickLoop(ctx)
	})
	s.wg.Wait()
}

// probeLoop polls the remote health endpoint and emits a connectivity
// signal on each offline-to-online transition.
func (s *TickerScheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			wasOnline := s.online.Load()
			nowOnline := s.probe(ctx)
			s.online.Store(nowOnline)

			if nowOnline && !wasOnline {
				s.config.Logger.Println("Connectivity restored")
				select {
				case s.connectivity <- struct{}{}:
				default:
				}
			}
			if !nowOnline && wasOnline {
				s.config.Logger.Println("Connectivity lost")
			}
		}
	}
}

// tickLoop emits the periodic replay signal.
func (s *TickerScheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-ticker.C:
			select {
			case s.ticks <- t:
			default:
			}
		}
	}
}

// probe performs one connectivity check against the remote health
// endpoint. Any HTTP response counts as online; only transport failures
// and timeouts count as offline.
func (s *TickerScheduler) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.ProbeURL, nil)
	if err != nil {
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()

	return true
}
