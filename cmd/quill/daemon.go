package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/daemon"
	"github.com/quillmd/quill/internal/dashboard"
	"github.com/quillmd/quill/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Watch the workspace and sync continuously",
	Long: `Run the sync daemon in the foreground.

The daemon watches the workspace for document changes, saves them to the
cache and uploads them in the background. Remote changes are pulled every
sync.pull_interval and written to disk. While the remote is unreachable,
edits keep being saved locally and uploads resume once it is back.

With --dashboard (or dashboard.enabled in quill.yaml) a WebSocket
dashboard streams upload, conflict and pull events:

  ws://127.0.0.1:7420/ws      live events
  http://127.0.0.1:7420/status
  http://127.0.0.1:7420/metrics

Press Ctrl+C to stop. Pending uploads are kept and resumed on next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if cmd.Flags().Changed("dashboard") {
			a.cfg.Dashboard.Enabled, _ = cmd.Flags().GetBool("dashboard")
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.cfg.Dashboard.Addr = addr
		}

		if a.cfg.Dashboard.Enabled {
			server := dashboard.NewServer(dashboard.Config{
				Addr:    a.cfg.Dashboard.Addr,
				Status:  a.engine.Status,
				Metrics: a.metrics.Handler(),
				Logger:  a.logger,
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					a.logger.Warn("failed to stop dashboard", zap.Error(err))
				}
			}()
			detach := dashboard.NewHandler(server, a.logger).Attach(a.queue, a.engine)
			defer detach()
			fmt.Printf("Dashboard: %s\n", ui.RenderAccent("http://"+server.GetAddr()))
		}

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}

		d, err := daemon.New(a.root, a.engine, a.queue, a.cache, daemon.Config{
			DebounceInterval: a.cfg.Sync.Debounce,
			PullInterval:     a.cfg.Sync.PullInterval,
			Extensions:       a.cfg.Sync.Extensions,
			Logger:           a.logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s Syncing %s %s\n", ui.RenderPass("✓"), a.root, ui.RenderMuted("(remote: "+a.cfg.Remote.Kind+")"))
		fmt.Println("Press Ctrl+C to stop...")

		if err := d.Run(ctx); err != nil {
			return err
		}
		fmt.Println("\nSync daemon stopped")
		return nil
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the live dashboard")
	daemonCmd.Flags().String("addr", "", "Dashboard listen address (default from dashboard.addr)")

	rootCmd.AddCommand(daemonCmd)
}
