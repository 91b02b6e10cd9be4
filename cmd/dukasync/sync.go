package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/internal/queue"
	"github.com/dukafiti/dukasync/internal/replay"
	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued operations now",
	Long: `Drain the sync queue against the backend in a single pass.

Operations replay in priority order (high, then medium, then low).
Failed operations stay queued for the next pass; operations rejected
by the backend or out of retries are dropped.`,
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

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := st.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		q := queue.New(st, &queue.Config{
			MaxAttempts: cfg.MaxAttempts,
			Logger:      logger,
		})

		remote := cfg.Remote()
		transport := replay.NewHTTPTransport(remote, cfg.ReplayTimeout)
		replayer := replay.New(q, st, transport, nil, &replay.Config{Logger: logger})

		fmt.Printf("%s Replaying queued operations against %s...\n", ui.RenderAccent("🔄"), cfg.RemoteURL)

		start := time.Now()
		result, err := replayer.Sync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Synced:   %d\n", result.Synced)
		if result.Requeued > 0 {
			fmt.Printf("   Requeued: %s\n", ui.RenderWarn(fmt.Sprintf("%d", result.Requeued)))
		}
		if result.Terminal > 0 {
			fmt.Printf("   Dropped:  %s\n", ui.RenderFail(fmt.Sprintf("%d", result.Terminal)))
		}
	},
}
