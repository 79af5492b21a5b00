package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/offline-worker/pkg/logging"
	"github.com/Sternrassler/offline-worker/pkg/worker"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Deploy the configured cache generation and serve requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := logging.NewLogger("worker")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store, err := worker.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			fetcher, err := worker.NewFetcher(cfg.Fetch)
			if err != nil {
				store.Close()
				return err
			}
			w, err := worker.New(cfg, store, fetcher, logger)
			if err != nil {
				store.Close()
				return err
			}
			defer func() {
				if err := w.Close(); err != nil {
					logger.Warn().Err(err).Msg("Failed to close store")
				}
			}()

			// A failed deploy keeps serving the previous generation.
			_ = w.Start(ctx)

			ln, err := net.Listen("tcp", cfg.Addr())
			if err != nil {
				return err
			}
			srv := &http.Server{
				Handler:           w.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info().
					Str("addr", cfg.Addr()).
					Str("origin", cfg.Server.Origin).
					Str("store", cfg.Store.Backend).
					Str("generation", cfg.Cache.Name).
					Msg("Offline worker listening")
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("Server error")
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Shutdown incomplete")
			}
			logger.Info().Msg("Offline worker stopped")
			return nil
		},
	}
}
