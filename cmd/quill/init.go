package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quillmd/quill/internal/cache"
	"github.com/quillmd/quill/internal/config"
	"github.com/quillmd/quill/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init [dir]",
	GroupID: "setup",
	Short:   "Create a quill workspace",
	Long: `Create a workspace in dir (default: the current directory).

Writes quill.yaml and creates the local cache under .quill/. Without
--remote the workspace syncs through a store file under .quill/remote/
(remote.local.dir; point it at a shared directory to sync several
workspaces); use --remote s3 --bucket NAME to sync through an
S3-compatible store. S3 credentials are read from
QUILL_REMOTE_S3_ACCESS_KEY and QUILL_REMOTE_S3_SECRET_KEY or the default
AWS credential chain, never from the file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		id, _ := cmd.Flags().GetString("workspace-id")
		force, _ := cmd.Flags().GetBool("force")

		cfg := config.Default()
		cfg.Remote.Kind, _ = cmd.Flags().GetString("remote")
		if dir, _ := cmd.Flags().GetString("remote-dir"); dir != "" {
			cfg.Remote.Local.Dir = dir
		}
		cfg.Remote.S3.Bucket, _ = cmd.Flags().GetString("bucket")
		cfg.Remote.S3.Endpoint, _ = cmd.Flags().GetString("endpoint")
		if region, _ := cmd.Flags().GetString("region"); region != "" {
			cfg.Remote.S3.Region = region
		}
		if id == "" {
			id = uuid.NewString()
		}
		cfg.Workspace.ID = id
		if err := cfg.Validate(); err != nil {
			return err
		}

		path := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := config.Write(path, cfg); err != nil {
			return err
		}

		root, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		ctx := context.Background()
		db, err := cache.Open(ctx, cfg.CachePath(root), cache.WithCompressThreshold(cfg.Cache.CompressThreshold))
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SetWorkspaceID(ctx, id); err != nil {
			return err
		}
		if err := writeGitignore(filepath.Join(root, ".quill")); err != nil {
			return err
		}

		fmt.Printf("%s Initialized workspace %s in %s\n", ui.RenderPass("✓"), ui.RenderAccent(id), root)
		fmt.Println(ui.Field("Config", path))
		fmt.Println(ui.Field("Cache", cfg.CachePath(root)))
		fmt.Println(ui.Field("Remote", cfg.Remote.Kind))
		fmt.Println("\nRun 'quill daemon' to start syncing.")
		return nil
	},
}

// writeGitignore keeps the cache out of version control.
func writeGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("*\n"), 0o644)
}

func init() {
	initCmd.Flags().String("workspace-id", "", "Workspace ID (default: a new random ID)")
	initCmd.Flags().String("remote", config.RemoteLocal, "Remote kind: local or s3")
	initCmd.Flags().String("remote-dir", "", "Directory of the local remote (default .quill/remote)")
	initCmd.Flags().String("bucket", "", "S3 bucket")
	initCmd.Flags().String("endpoint", "", "S3 endpoint for S3-compatible stores")
	initCmd.Flags().String("region", "", "S3 region")
	initCmd.Flags().Bool("force", false, "Overwrite an existing quill.yaml")

	rootCmd.AddCommand(initCmd)
}
