package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/content"
	"github.com/quillmd/quill/internal/ui"
)

var saveCmd = &cobra.Command{
	Use:     "save <path>...",
	GroupID: "docs",
	Short:   "Record document edits and upload them",
	Long: `Record the current contents of documents in the cache and queue them for
upload. With --stdin the single document is replaced by standard input
first, which lets editors and scripts save through quill.

The daemon does this automatically for files it sees change.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStdin, _ := cmd.Flags().GetBool("stdin")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if fromStdin && len(args) != 1 {
			return errors.New("--stdin takes exactly one path")
		}

		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.start(ctx); err != nil {
			return fmt.Errorf("failed to start sync engine: %w", err)
		}

		for _, arg := range args {
			rel, err := workspacePath(a.root, arg)
			if err != nil {
				return err
			}
			abs := filepath.Join(a.root, filepath.FromSlash(rel))

			var data []byte
			if fromStdin {
				if data, err = io.ReadAll(os.Stdin); err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(abs, data, 0o644); err != nil {
					return err
				}
			} else if data, err = os.ReadFile(abs); err != nil {
				return err
			}

			c := content.FromBytes(data)
			if err := a.engine.OnFileEdited(ctx, rel, c, content.DetectMimeType(rel, c)); err != nil {
				return fmt.Errorf("failed to save %s: %w", rel, err)
			}
			fmt.Printf("%s Saved %s %s\n", ui.RenderPass("✓"), rel, ui.RenderMuted("("+ui.Size(c.Size())+")"))
		}

		return reportPending(a.drain(ctx, timeout))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <path>...",
	GroupID: "docs",
	Short:   "Delete documents locally and remotely",
	Long: `Delete documents from the workspace, the cache and the remote store.

The remote copy is deleted first. If that fails, for example because the
remote is unreachable, the document is kept so that nothing is lost, and
the command reports the error.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		failed := 0
		for _, arg := range args {
			rel, err := workspacePath(a.root, arg)
			if err != nil {
				return err
			}
			if err := a.engine.OnFileDeleted(ctx, rel); err != nil {
				ui.Errorf("%s: %v", rel, err)
				failed++
				continue
			}
			abs := filepath.Join(a.root, filepath.FromSlash(rel))
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				ui.Errorf("%s: %v", rel, err)
				failed++
				continue
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), rel)
		}
		if failed > 0 {
			return fmt.Errorf("%d document(s) not deleted", failed)
		}
		return nil
	},
}

// workspacePath turns a command-line path into a slash-separated path
// relative to root. Paths outside the workspace are rejected.
func workspacePath(root, arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is not inside the workspace %s", arg, root)
	}
	return rel, nil
}

func reportPending(pending int, err error) error {
	if err != nil {
		return err
	}
	if pending > 0 {
		fmt.Printf("%s %d upload(s) still pending; run 'quill sync' to retry\n", ui.RenderWarn("!"), pending)
	} else {
		fmt.Printf("%s All changes uploaded\n", ui.RenderPass("✓"))
	}
	return nil
}

func init() {
	saveCmd.Flags().Bool("stdin", false, "Replace the document with standard input")
	saveCmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for uploads")

	rootCmd.AddCommand(saveCmd, rmCmd)
}
