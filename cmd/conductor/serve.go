package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	conductor "github.com/loykin/conductor"
	"github.com/loykin/conductor/internal/logger"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor supervisor daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := conductor.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if _, err := logger.Setup(cfg.Log); err != nil {
				return err
			}

			sys, err := conductor.New(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := sys.Initialize(ctx); err != nil {
				return err
			}
			slog.Info("conductor started", "store", cfg.Store.DSN, "server", cfg.Server.Listen)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			slog.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sys.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.toml", "path to TOML config")
	return cmd
}
