package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/dukafiti/dukasync/internal/store"
	"github.com/dukafiti/dukasync/internal/ui"
)

var clearForce bool

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe the local cache and sync queue",
	Long: `Delete every cached entity, cached response, and queued operation.

Queued operations that have not been replayed are lost. Use 'dukasync
sync' first if the backend is reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening local store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := st.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		stats, err := st.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue stats: %v\n", err)
			os.Exit(1)
		}

		if !clearForce {
			prompt := fmt.Sprintf("Wipe local cache at %s?", cfg.DBPath)
			if stats.Total > 0 {
				prompt = fmt.Sprintf("Wipe local cache at %s? %d queued operations will be LOST.",
					cfg.DBPath, stats.Total)
			}

			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(prompt).
					Affirmative("Wipe").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := st.ClearAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing local store: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Local cache and sync queue cleared\n", ui.RenderPass("✓"))
	},
}

func init() {
	clearCmd.Flags().BoolVarP(&clearForce, "force", "f", false, "skip confirmation prompt")
}
