package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache, queue and conflict state",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx := context.Background()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		// Uploads left over from the last run are restored to be counted.
		// The queue stays paused so nothing is dispatched.
		a.queue.Pause()
		if _, err := a.queue.Restore(ctx); err != nil {
			return err
		}
		st, err := a.engine.Status(ctx)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		stats, err := a.cache.Stats(ctx)
		if err != nil {
			return err
		}
		last := time.Time{}
		if st.LastSyncTime != nil {
			last = *st.LastSyncTime
		}
		id := a.cfg.Workspace.ID
		if id == "" {
			id = ui.RenderMuted("(none)")
		}

		fmt.Println(ui.Field("Workspace", id))
		fmt.Println(ui.Field("Root", a.root))
		fmt.Println(ui.Field("Remote", a.cfg.Remote.Kind))
		fmt.Println(ui.Field("Documents", fmt.Sprintf("%d (%s)", st.TotalFiles, ui.Size(stats.TotalSize))))
		fmt.Println(ui.Field("Unsynced", st.DirtyFiles))
		fmt.Println(ui.Field("Queued", st.Queued))
		fmt.Println(ui.Field("Last sync", ui.Ago(last, time.Now())))

		if len(st.Conflicts) == 0 {
			fmt.Println(ui.Field("Conflicts", ui.RenderPass("none")))
			return nil
		}
		fmt.Println(ui.Field("Conflicts", ui.RenderWarn(fmt.Sprint(len(st.Conflicts)))))
		fmt.Println()
		for _, c := range st.Conflicts {
			fmt.Printf("  %s %s %s\n", ui.RenderWarn("!"), c.Path, ui.RenderMuted("("+describeConflict(c)+")"))
		}
		fmt.Println("\nRun 'quill resolve <path>' to pick a side.")
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output status as JSON")

	rootCmd.AddCommand(statusCmd)
}
