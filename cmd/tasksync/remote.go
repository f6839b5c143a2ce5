package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/sync/remote"
	"github.com/kimhsiao/tasksync/internal/sync/remote/server"
)

// NewRemoteCommand creates the remote command group.
func NewRemoteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Run a simulated remote authority",
	}

	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote authority",
		Long: `Serve an in-memory remote authority for local testing. Clients reach it
with --endpoint http://<addr> over HTTP (` + remote.BatchPath + `) or with
--transport websocket (` + remote.WebSocketPath + `). A write older than the
stored version is answered with a conflict carrying the stored version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			authority := server.NewAuthority()
			srv := &http.Server{
				Addr:              addr,
				Handler:           authority.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			logging.Info("Remote authority listening", map[string]interface{}{"addr": addr})
			return serveUntilDone(ctx, srv, nil)
		},
	}
	serve.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.AddCommand(serve)

	return cmd
}
