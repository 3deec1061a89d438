package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notedex/notedex/internal/health"
	"github.com/notedex/notedex/internal/ops"
)

const serveShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexing worker and operator API",
		Long: `Serve locks the data directory, validates both stores (repairing or
rebuilding them if needed), then starts the background indexing worker
and the operator HTTP API. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer rt.close()

			if rt.health.Rebuilt {
				rt.logger.Info("index rebuilt on startup",
					"documents", rt.health.EnqueuedDocuments)
			}

			rt.worker.Start(ctx)

			server := ops.NewServer(cfg.Server.ListenAddr, ops.Deps{
				Indexer:    rt.indexer,
				Worker:     rt.worker,
				Queue:      rt.queue,
				Aggregator: rt.search,
				Rebuild: func(rctx context.Context) error {
					opts := healthOptions(cfg, rt.logger)
					_, err := health.RebuildInPlace(rctx, opts, &rt.health.Stores)
					return err
				},
				Logger: rt.logger,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return fmt.Errorf("operator API failed: %w", err)
			case <-ctx.Done():
			}

			rt.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				rt.logger.Warn("operator API shutdown incomplete", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Operator API listen address (overrides config)")
	return cmd
}
