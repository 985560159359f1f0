package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiy/working-memory/internal/httpapi"
	"github.com/xiy/working-memory/internal/mcp"
	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/internal/metrics"
	"github.com/xiy/working-memory/internal/sweeper"
)

var noSweep bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio, plus the HTTP API and sweep worker when configured",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Do not run the scheduled sweep worker")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	rt, err := open(ctx, memory.WithObserver(m))
	if err != nil {
		return err
	}
	defer rt.Close()
	m.WatchItems(rt.store.Stats)
	logger := rt.logger

	if !noSweep {
		sched, err := sweeper.ParseSchedule(rt.cfg.SweepSchedule)
		if err != nil {
			return err
		}
		sweepDone := sweeper.Go(ctx, logger, sched, rt.svc)
		// Runs before rt.Close: the store stays open until the sweep finishes.
		defer func() {
			cancel()
			<-sweepDone
		}()
	}

	if rt.cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              rt.cfg.HTTPAddr,
			Handler:           httpapi.New(rt.svc, m.Handler(), logger, VersionString()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP API listening", "addr", rt.cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown failed", "error", err)
			}
		}()
	}

	server := mcp.NewServer(rt.svc, logger, rt.store, rt.cfg.ServerName, Version)
	logger.Info("starting MCP stdio server", "db", rt.cfg.DBPath, "sweep_schedule", rt.cfg.SweepSchedule)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
