package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flakeguard/flakeguard/pkg/api"
	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/memory"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run history API",
	Long: `Start an HTTP server exposing past runs, per-run results and
failure recurrence counts from the history store.`,
	RunE: serveHistory,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store := memory.NewStore(log, &cfg.Memory)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting run memory: %w", err)
	}

	server := api.NewServer(log, &cfg.Server, store)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Received shutdown signal")

	if err := server.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop API server")
	}

	if err := store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close run memory")
	}

	return nil
}
