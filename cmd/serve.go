package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/iksnae/mindmap/internal"
	"github.com/iksnae/mindmap/internal/bus"
	"github.com/iksnae/mindmap/internal/config"
	"github.com/iksnae/mindmap/internal/control"
	"github.com/iksnae/mindmap/internal/engine"
	"github.com/iksnae/mindmap/internal/ingest"
	"github.com/iksnae/mindmap/internal/ledger"
	"github.com/iksnae/mindmap/internal/metrics"
	"github.com/iksnae/mindmap/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var replay bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the reasoning log and serve the control API",
	Long: `Run the checkpoint service for a workspace: watch the reasoning log, commit
every new step, and serve the HTTP API and websocket on --addr.

Steps already in the log when serve starts are treated as processed unless
--replay is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// serve runs every component until ctx is cancelled
func serve(ctx context.Context, conf *config.Config) error {
	logger := internal.Logger()

	paths, err := workspacePaths(conf)
	if err != nil {
		return err
	}
	if err := paths.EnsureDataDir(); err != nil {
		return err
	}

	store, err := newStore(conf, paths)
	if err != nil {
		return err
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	l, err := ledger.Open(paths.Database, ledger.WithLogger(logger))
	if err != nil {
		return err
	}
	defer l.Close()

	b := bus.New(logger)
	defer b.Close()

	recorder := metrics.New(logger)
	events, unsubscribe := b.Subscribe(0)
	defer unsubscribe()

	runner, err := engine.New(conf.Engine.Command, paths.Workspace, conf.Engine.Timeout, logger)
	if err != nil {
		return err
	}

	ctrl, err := control.New(control.Options{
		Workspace:   store,
		Ledger:      l,
		Engine:      runner,
		Bus:         b,
		Pointer:     internal.NewSessionStateManager(paths.SessionFile),
		Prompt:      conf.Session.Prompt,
		MaxAttempts: conf.Engine.MaxAttempts,
		RetryDelay:  conf.Engine.RetryDelay,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	queue, err := ingest.New(ingest.Options{
		Path:        paths.TraceFile,
		SettleDelay: conf.Ingest.SettleDelay,
		Debounce:    conf.Ingest.Debounce,
		Handler:     ctrl.HandleNewSteps,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if !replay {
		n, err := queue.Seed()
		if err != nil {
			// an unreadable log is picked up again on its next change
			logger.Warn("Could not seed from reasoning log", zap.Error(err))
		} else if n > 0 {
			logger.Info("Skipping steps already in the reasoning log", zap.Int("count", n))
		}
	}

	srv, err := server.New(server.Options{
		Addr:              conf.Server.Addr,
		Controller:        ctrl,
		Ledger:            l,
		Workspace:         store,
		Bus:               b,
		Gatherer:          recorder.Registry(),
		ReadLimit:         conf.Server.ReadLimit,
		MessagesPerSecond: conf.Server.MessagesPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("Serving workspace",
		zap.String("workspace", paths.Workspace),
		zap.String("trace_file", paths.TraceFile),
		zap.String("addr", conf.Server.Addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return recorder.Run(ctx, events) })
	g.Go(func() error { return queue.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Stopped")
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&replay, "replay", false, "Process steps already in the reasoning log")
}
