package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/ui"
)

var (
	configPath string
	colorMode  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Local-first markdown workspace with background sync",
	Long: `quill keeps a directory of documents in sync with a remote store.

Edits are saved to a local cache first and uploaded in the background, so
the workspace stays usable offline. Remote changes are pulled periodically.
When both sides changed the same document, quill records a conflict and
waits for you to pick a side with 'quill resolve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetupColor(os.Stdout, colorMode)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "docs", Title: "Documents:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to quill.yaml (default: search the current directory)")
	rootCmd.PersistentFlags().StringVar(&colorMode, "color", "auto", "Colorize output: auto, always, never")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
