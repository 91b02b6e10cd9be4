package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/internal/schema"
	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache and sync queue status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s Local cache not initialized (%s)\n", ui.RenderWarn("⚠"), cfg.DBPath)
			fmt.Println("  Run 'dukasync serve' to start the gateway")
			return
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := st.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Sync Gateway Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("  Cache:   %s\n", cfg.DBPath)
		fmt.Printf("  Version: %s\n", cfg.CacheVersion)

		records, err := st.CountRecords(ctx, cfg.CacheVersion)
		if err == nil {
			fmt.Printf("  Cached responses: %d\n", records)
		}

		fmt.Println("\n  Entities:")
		for _, t := range []schema.EntityType{
			schema.EntityProduct, schema.EntityCustomer,
			schema.EntitySale, schema.EntityTransaction,
		} {
			n, err := st.CountEntitiesByType(ctx, t)
			if err != nil {
				continue
			}
			fmt.Printf("    %-12s %d\n", t, n)
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("\n  Sync queue:")
		if stats.Total == 0 {
			fmt.Printf("    %s empty\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("    high:   %s\n", ui.RenderFail(fmt.Sprintf("%d", stats.High)))
			fmt.Printf("    medium: %s\n", ui.RenderWarn(fmt.Sprintf("%d", stats.Medium)))
			fmt.Printf("    low:    %d\n", stats.Low)
			fmt.Printf("    total:  %d pending\n", stats.Total)
		}
		fmt.Println()
	},
}
