package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/daemon"
	"github.com/quillmd/quill/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle and exit",
	Long: `Run a single sync cycle against the configured remote.

The workspace is scanned for documents edited since the last run, remote
changes are pulled into the cache, and queued uploads are given --timeout
to finish. Documents the pull created or changed are then written to disk.
Uploads that did not finish stay queued for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		d, err := daemon.New(a.root, a.engine, a.queue, a.cache, daemon.Config{
			Extensions: a.cfg.Sync.Extensions,
			Logger:     a.logger,
		})
		if err != nil {
			return err
		}

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}
		if err := d.Scan(ctx); err != nil {
			return err
		}

		syncCtx, syncCancel := context.WithTimeout(ctx, timeout)
		defer syncCancel()
		res, err := a.engine.SyncOnce(syncCtx)
		if err != nil && syncCtx.Err() == nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if err := d.Mirror(ctx); err != nil {
			return fmt.Errorf("failed to write documents: %w", err)
		}

		if res != nil {
			fmt.Printf("%s Pulled: %d created, %d updated, %d deleted\n",
				ui.RenderPass("✓"), res.Created, res.Updated, res.Deleted)
			for _, c := range res.Conflicts {
				fmt.Printf("%s %s %s\n", ui.RenderWarn("!"), c.Path, ui.RenderMuted("("+describeConflict(c)+")"))
			}
			if len(res.Conflicts) > 0 {
				fmt.Printf("%d new conflict(s); run 'quill resolve'\n", len(res.Conflicts))
			}
		}
		if pending := a.queue.Size(); pending > 0 {
			fmt.Printf("%s %d upload(s) still pending\n", ui.RenderWarn("!"), pending)
		} else {
			fmt.Printf("%s All changes uploaded\n", ui.RenderPass("✓"))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Duration("timeout", 2*time.Minute, "How long to wait for pull and uploads")

	rootCmd.AddCommand(syncCmd)
}
