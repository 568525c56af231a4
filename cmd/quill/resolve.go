package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/daemon"
	"github.com/quillmd/quill/internal/sync"
	"github.com/quillmd/quill/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve [path...]",
	GroupID: "sync",
	Short:   "Resolve sync conflicts by keeping one side",
	Long: `Resolve conflicts between local edits and remote changes.

Without arguments every open conflict is resolved. For each one you are
asked which side to keep; pass --keep to answer for all of them, which is
required when stdin is not a terminal.

  local   keep your version and upload it over the remote copy
  remote  discard your version and take the remote copy

Examples:
  quill resolve                       # choose interactively
  quill resolve notes/todo.md --keep local
  quill resolve --keep remote         # take every remote copy`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetString("keep")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		var fixed *sync.Choice
		if keep != "" {
			choice, err := sync.ParseChoice(keep)
			if err != nil {
				return err
			}
			fixed = &choice
		} else if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--keep is required when not running in a terminal")
		}

		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		conflicts, err := a.engine.Conflicts(ctx)
		if err != nil {
			return err
		}
		conflicts = selectConflicts(conflicts, args)
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts to resolve\n", ui.RenderPass("✓"))
			return nil
		}

		if err := a.start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}
		d, err := daemon.New(a.root, a.engine, a.queue, a.cache, daemon.Config{
			Extensions: a.cfg.Sync.Extensions,
			Logger:     a.logger,
		})
		if err != nil {
			return err
		}

		resolved := 0
		for _, c := range conflicts {
			choice := sync.KeepLocal
			if fixed != nil {
				choice = *fixed
			} else if choice, err = askChoice(c); err != nil {
				return err
			}

			if err := a.engine.ForceResolveConflict(ctx, c.Path, choice); err != nil {
				ui.Errorf("%s: %v", c.Path, err)
				continue
			}
			if choice == sync.KeepRemote {
				if err := d.Materialize(ctx, c.Path); err != nil {
					ui.Errorf("%s: %v", c.Path, err)
					continue
				}
			}
			resolved++
			fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), c.Path, ui.RenderMuted("(kept "+choice.String()+")"))
		}

		pending, err := a.drain(ctx, timeout)
		if err != nil {
			return err
		}
		if pending > 0 {
			fmt.Printf("%s %d upload(s) still pending; run 'quill sync' to retry\n", ui.RenderWarn("!"), pending)
		}
		if resolved < len(conflicts) {
			return fmt.Errorf("%d of %d conflict(s) left unresolved", len(conflicts)-resolved, len(conflicts))
		}
		return nil
	},
}

// selectConflicts keeps the conflicts for paths, or all of them when paths
// is empty.
func selectConflicts(conflicts []sync.ConflictEntry, paths []string) []sync.ConflictEntry {
	if len(paths) == 0 {
		return conflicts
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []sync.ConflictEntry
	for _, c := range conflicts {
		if want[c.Path] {
			out = append(out, c)
		}
	}
	return out
}

// describeConflict explains a conflict in a few words.
func describeConflict(c sync.ConflictEntry) string {
	var what string
	switch {
	case c.RemoteDeleted:
		what = "deleted remotely"
	case c.OtherObject():
		what = "another remote document has this path"
	case c.Origin == cache.OriginPush:
		what = "upload rejected, remote is newer"
	default:
		what = "changed on both sides"
	}
	if c.Resolved() {
		what += ", resolution pending upload"
	}
	if !c.DetectedAt.IsZero() {
		what += ", " + ui.Ago(c.DetectedAt, time.Now())
	}
	return what
}

func askChoice(c sync.ConflictEntry) (sync.Choice, error) {
	remote := "Keep the remote version"
	if c.RemoteDeleted {
		remote = "Accept the remote deletion"
	}
	var value string
	err := huh.NewSelect[string]().
		Title(c.Path).
		Description(describeConflict(c)).
		Options(
			huh.NewOption("Keep my version", "local"),
			huh.NewOption(remote, "remote"),
		).
		Value(&value).
		Run()
	if err != nil {
		return 0, err
	}
	return sync.ParseChoice(value)
}

func init() {
	resolveCmd.Flags().String("keep", "", "Side to keep for every conflict: local or remote")
	resolveCmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for uploads of kept local versions")

	rootCmd.AddCommand(resolveCmd)
}
