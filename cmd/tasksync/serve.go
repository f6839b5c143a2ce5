package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/cmd/tasksync/handlers"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoScheduler bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API and sync in the background",
		Long: `Start the HTTP API on http.addr and the background scheduler.

The scheduler probes the remote every sync.probe_interval, runs a round every
sync.interval while it is reachable, and runs one immediately when it comes
back online. Sync events are streamed to WebSocket subscribers on
/api/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from http.addr)")
	cmd.Flags().BoolVar(&opts.NoScheduler, "no-scheduler", false, "only sync on POST /api/sync")
	cmd.Flags().Bool("ephemeral", false, "keep the operation queue in memory (pending changes are lost on exit)")
	_ = rootOpts.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = rootOpts.v.BindPFlag("sync.ephemeral", cmd.Flags().Lookup("ephemeral"))
	return cmd
}

// newAPIHandler mounts the REST API and the event stream. sched may be nil.
func newAPIHandler(a *app, hub *WSHub, sched *scheduler.Scheduler) http.Handler {
	mux := http.NewServeMux()
	handlers.Register(mux,
		handlers.NewTaskHandler(a.tasks),
		handlers.NewSyncHandler(a.engine, a.repo))
	mux.Handle("GET /api/events", hub)
	if sched != nil {
		mux.HandleFunc("GET /api/sync/scheduler", handlers.SchedulerStatus(sched))
	}
	return mux
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.Config()
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := NewWSHub()
	a.engine.SetEventHandler(hub)

	var sched *scheduler.Scheduler
	if !opts.NoScheduler {
		sched = scheduler.NewScheduler(a.engine, cfg.Scheduler())
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newAPIHandler(a, hub, sched),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("tasksync API listening", map[string]interface{}{
		"addr":      cfg.HTTP.Addr,
		"transport": cfg.EffectiveTransport(),
		"ephemeral": cfg.Sync.Ephemeral,
	})
	return serveUntilDone(ctx, srv, hub.Close)
}

// serveUntilDone runs srv until ctx ends, then shuts it down gracefully.
// onShutdown runs before connections are drained.
func serveUntilDone(ctx context.Context, srv *http.Server, onShutdown func()) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen on "+srv.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !stderrors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down", map[string]interface{}{"addr": srv.Addr})
	if onShutdown != nil {
		onShutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "graceful shutdown failed", err)
	}
	return nil
}
