package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/researchview/internal/config"
	"github.com/user/researchview/internal/state"
	"github.com/user/researchview/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "researchview",
	Short:         "Aggregate, order and archive research session event streams",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config file, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// openHistory opens the configured history backend. The returned function
// releases it.
func openHistory(cfg *config.Config) (types.HistoryStore, func() error, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.History.Backend {
	case "sqlite":
		store, err := state.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return state.NewFileStore(cfg.DataDir), func() error { return nil }, nil
	}
}
