package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:     "history",
	GroupID: "sync",
	Short:   "Show recent sync activity",
	Long: `Show the sync log: uploads, pulled changes, deletions, conflicts and
resolutions, newest first.

--since accepts a duration ("2h", "90m") or a natural language time
("yesterday", "last monday", "3 days ago").`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		now := time.Now()
		since, err := parseSince(sinceText, now)
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		entries, err := a.cache.RecentLogs(ctx, since, limit)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No sync activity since " + since.Local().Format("2006-01-02 15:04")))
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.Timestamp.Local().Format("01-02 15:04:05"),
				renderAction(e.Action),
				e.Path,
				formatDetails(e.Details),
			})
		}
		fmt.Print(ui.Table([]string{"TIME", "ACTION", "PATH", "DETAILS"}, rows))
		return nil
	},
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince reads a duration back from now or a natural language time.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}
	r, err := sinceParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a duration or a time", text)
	}
	return r.Time, nil
}

func renderAction(action string) string {
	switch action {
	case cache.ActionConflict, cache.ActionUploadFailed:
		return ui.RenderWarn(action)
	case cache.ActionResolve:
		return ui.RenderAccent(action)
	default:
		return action
	}
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return ui.RenderMuted(strings.Join(parts, " "))
}

func init() {
	historyCmd.Flags().String("since", "24h", "Show activity since this time")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries")
	historyCmd.Flags().Bool("json", false, "Output entries as JSON")

	rootCmd.AddCommand(historyCmd)
}
