package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/internal/gateway"
	"github.com/dukafiti/dukasync/internal/queue"
	"github.com/dukafiti/dukasync/internal/replay"
	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/strategy"
	"github.com/dukafiti/dukasync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync gateway daemon",
	Long: `Start the gateway daemon: serve UI requests through the cache
strategy engine, queue writes made while offline, and replay them when
connectivity returns.

The daemon runs until interrupted (Ctrl+C or SIGTERM).`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[dukasync] ")

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := st.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		// Activation: a new cache version invalidates every record the
		// previous deployment left behind.
		if purged, err := st.PurgeOtherVersions(ctx, cfg.CacheVersion); err != nil {
			fmt.Fprintf(os.Stderr, "Error purging stale cache versions: %v\n", err)
			os.Exit(1)
		} else if purged > 0 {
			logger.Printf("Purged %d cached responses from previous versions", purged)
		}

		rules := strategy.DefaultRules()
		if cfg.RulesFile != "" {
			rules, err = strategy.LoadRules(cfg.RulesFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading rules file: %v\n", err)
				os.Exit(1)
			}
		}

		remote := cfg.Remote()

		sched := replay.NewTickerScheduler(replay.TickerSchedulerConfig{
			ProbeURL:      remote.JoinPath("/healthz").String(),
			ProbeInterval: cfg.ProbeInterval,
			TickInterval:  cfg.ReplayInterval,
			Logger:        logger,
		})

		q := queue.New(st, &queue.Config{
			MaxAttempts:       cfg.MaxAttempts,
			PriorityOverrides: parsePriorityOverrides(cfg.PriorityOverrides),
			Wake:              sched.TriggerManual,
			Logger:            logger,
		})

		engine := strategy.New(st, remote, rules, &strategy.Config{
			CacheVersion:   cfg.CacheVersion,
			NetworkTimeout: cfg.NetworkTimeout,
			Online:         sched.Online,
			Logger:         logger,
		})

		hub := gateway.NewHub(logger)

		transport := replay.NewHTTPTransport(remote, cfg.ReplayTimeout)
		replayer := replay.New(q, st, transport, sched, &replay.Config{
			Notifier: hub,
			Logger:   logger,
		})

		srv := gateway.NewServer(engine, q, st, replayer, sched, remote, hub, &gateway.Config{
			Port:           cfg.ListenPort,
			CacheVersion:   cfg.CacheVersion,
			NetworkTimeout: cfg.NetworkTimeout,
			BundlePath:     cfg.BundlePath,
			Logger:         logger,
		})

		var precacher *gateway.Precacher
		if cfg.DistDir != "" {
			precacher, err = gateway.NewPrecacher(st, &gateway.PrecacheConfig{
				DistDir:      cfg.DistDir,
				CacheVersion: cfg.CacheVersion,
				Logger:       logger,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating precacher: %v\n", err)
				os.Exit(1)
			}
			if _, err := precacher.Warm(ctx); err != nil {
				logger.Printf("Precache warm incomplete: %v", err)
			}
			if err := precacher.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting precache watcher: %v\n", err)
				os.Exit(1)
			}
			defer precacher.Stop()
		}

		go sched.Run(ctx)
		go func() {
			if err := replayer.Run(ctx); err != nil && err != context.Canceled {
				logger.Printf("Replay engine stopped: %v", err)
			}
		}()

		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting gateway: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync gateway running\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Listen: %s\n", srv.GetAddr())
		fmt.Printf("   Remote: %s\n", cfg.RemoteURL)
		fmt.Printf("   Cache:  %s (version %s)\n", cfg.DBPath, cfg.CacheVersion)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()

		if err := srv.Stop(); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
		fmt.Printf("%s Sync gateway stopped\n", ui.RenderPass("✓"))
	},
}

// parsePriorityOverrides converts config string pairs to typed
// overrides.
func parsePriorityOverrides(raw map[string]string) map[schema.EntityType]schema.Priority {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[schema.EntityType]schema.Priority, len(raw))
	for entity, name := range raw {
		out[schema.EntityType(entity)] = schema.ParsePriority(name)
	}
	return out
}
