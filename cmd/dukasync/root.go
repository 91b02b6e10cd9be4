package main

import (
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dukafiti/dukasync/internal/config"
)

var (
	configPath string
	remoteURL  string
)

var rootCmd = &cobra.Command{
	Use:   "dukasync",
	Short: "Offline-first sync gateway for DukaFiti",
	Long: `dukasync is a local gateway that sits between the DukaFiti shop UI
and the remote backend. It caches responses, queues writes made while
offline, and replays them in priority order once connectivity returns.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&remoteURL, "remote", "", "backend base URL (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	if remoteURL != "" {
		os.Setenv("DUKASYNC_REMOTE_URL", remoteURL)
	}
	return config.Load(configPath)
}

// newLogger builds the process logger, rotating to a file when
// configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}
