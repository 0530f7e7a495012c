package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/dispatch"
	"github.com/sells-group/fulcrum-sync/internal/model"
	"github.com/sells-group/fulcrum-sync/internal/registry"
	"github.com/sells-group/fulcrum-sync/internal/syncer"
	"github.com/sells-group/fulcrum-sync/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long:  "Accepts Fulcrum record webhooks on POST /webhooks/fulcrum and applies them through a bounded worker pool.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		// Queued jobs outlive the signal so shutdown can drain them.
		pool := dispatch.New(context.WithoutCancel(ctx), dispatch.Config{
			Workers:    cfg.Sync.Workers,
			QueueSize:  cfg.Sync.QueueSize,
			JobTimeout: cfg.Sync.JobTimeout(),
			Metrics:    env.Metrics,
		}, handleJob(env.Engine))
		defer pool.Close() //nolint:errcheck

		router := webhook.NewRouter(webhook.Options{
			Registry:       env.Registry,
			Dispatcher:     pool,
			Counter:        env.Store,
			Metrics:        env.Metrics,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := resolvePort(servePort, cfg.Server.Port)
		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Int("collections", env.Registry.Len()),
			zap.Int("workers", cfg.Sync.Workers),
		)
		if err := startServer(ctx, router, port); err != nil {
			return err
		}

		zap.L().Info("draining dispatcher", zap.Int("queued", pool.Len()))
		return pool.Close()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the --port flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves h on port until ctx ends, then shuts down gracefully.
func startServer(ctx context.Context, h http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	return nil
}

// eventHandler is the engine surface the dispatcher drives.
type eventHandler interface {
	Handle(ctx context.Context, entry registry.Entry, ev model.SyncEvent) (*syncer.Result, error)
}

// handleJob adapts the engine to the dispatcher. Per-record failures are
// already logged by the engine; only infrastructure errors surface here.
func handleJob(h eventHandler) dispatch.Handler[webhook.Job] {
	return func(ctx context.Context, job webhook.Job) error {
		res, err := h.Handle(ctx, job.Entry, job.Event)
		if err != nil {
			return eris.Wrapf(err, "delivery %s (%s %s)", job.DeliveryID, job.Event.Type, job.Event.ExternalID)
		}
		zap.L().Info("event processed",
			zap.String("delivery_id", job.DeliveryID),
			zap.String("collection", job.Entry.Collection.Name),
			zap.String("event", job.Event.Type.String()),
			zap.String("external_id", job.Event.ExternalID),
			zap.String("action", string(res.Action)),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("deleted", res.Deleted),
			zap.Int("failed", res.Failed),
		)
		return nil
	}
}
