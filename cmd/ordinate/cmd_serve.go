package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/ordinate/internal/auth"
	httpapi "github.com/mistakeknot/ordinate/internal/http"
	"github.com/mistakeknot/ordinate/internal/orchestrator"
	"github.com/mistakeknot/ordinate/internal/server"
	"github.com/mistakeknot/ordinate/internal/ws"
)

// newServeCmd creates the "ordinate serve" subcommand.
func newServeCmd(open storeOpener) *cobra.Command {
	var (
		addr           string
		socketPath     string
		thresholdsPath string
		keysPath       string
		sweepInterval  time.Duration
		auditInterval  time.Duration
		auditWindow    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long:  "Serves the HTTP API and WebSocket event feed, and runs the\nstale-session watchdog and lock health monitor in the background.",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			thresholds, err := orchestrator.LoadThresholds(thresholdsPath)
			if err != nil {
				return err
			}

			keyring, err := auth.LoadKeyring(keysPath)
			if err != nil {
				return err
			}

			hub := ws.NewHub()
			orch := orchestrator.New(store, hub)
			svc := httpapi.NewService(orch)
			router := auth.Middleware(keyring)(httpapi.NewRouter(svc, hub.Handler()))

			watchdog := orchestrator.NewWatchdog(store, hub, sweepInterval)
			monitor := orchestrator.NewLockMonitor(store, hub, thresholds, auditInterval, auditWindow)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watchdog.Start(ctx)
			defer watchdog.Stop()
			monitor.Start(ctx)
			defer monitor.Stop()

			srv, err := server.New(server.Config{Addr: addr, SocketPath: socketPath, Handler: router})
			if err != nil {
				return err
			}
			log.Printf("[serve] listening on %s", srv.Addr())
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":7440", "HTTP listen address")
	cmd.Flags().StringVar(&socketPath, "socket", "", "optional unix socket path")
	cmd.Flags().StringVar(&thresholdsPath, "thresholds", "", "path to alert thresholds YAML")
	cmd.Flags().StringVar(&keysPath, "keys", auth.ResolveKeysPath(), "path to the API keys YAML")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 30*time.Second, "stale session sweep interval")
	cmd.Flags().DurationVar(&auditInterval, "audit-interval", 5*time.Minute, "lock health audit interval")
	cmd.Flags().DurationVar(&auditWindow, "audit-window", time.Hour, "metrics window for alert evaluation")
	return cmd
}
