package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/xam-io/kioskd/internal/config"
	"github.com/xam-io/kioskd/pkg/db"
	"github.com/xam-io/kioskd/pkg/errors"
)

var (
	cleanupJournalKeep int
	cleanupFailed      bool
	cleanupOrphaned    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up journal rows and cached artifacts",
	Long: `Clean up local state:
  --journal-keep <n>  Keep only the newest n provisioning attempts
  --failed            Remove failed artifact records and their files
  --orphaned          Remove cache files not tracked in the database`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupJournalKeep, "journal-keep", -1, "Prune the journal to the newest n attempts")
	cleanupCmd.Flags().BoolVar(&cleanupFailed, "failed", false, "Remove failed artifacts")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove orphaned cache files")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupJournalKeep < 0 && !cleanupFailed && !cleanupOrphaned {
		return fmt.Errorf("must specify --journal-keep, --failed, or --orphaned")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	if cleanupJournalKeep >= 0 {
		removed, err := repo.PruneAttempts(ctx, cleanupJournalKeep)
		if err != nil {
			return errors.Wrap(err, "journal prune failed")
		}
		fmt.Printf("🧹 Pruned %d attempts\n", removed)
	}
	if cleanupFailed {
		if err := cleanupFailedArtifacts(repo); err != nil {
			return err
		}
	}
	if cleanupOrphaned {
		if err := cleanupOrphanedFiles(repo, cfg); err != nil {
			return err
		}
	}
	return nil
}

func cleanupFailedArtifacts(repo *db.Repository) error {
	artifacts, err := repo.ListArtifacts()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	for _, a := range artifacts {
		if a.Status != db.StatusFailed {
			continue
		}
		if err := os.Remove(a.LocalPath); err != nil && !os.IsNotExist(err) {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", a.LocalPath, err)
			continue
		}
		if err := repo.DeleteArtifact(a.ID); err != nil {
			fmt.Printf("⚠️  Failed to delete record for %s: %v\n", a.Locator, err)
			continue
		}
		fmt.Printf("✅ Cleaned: %s\n", a.Locator)
	}
	return nil
}

func cleanupOrphanedFiles(repo *db.Repository, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for orphaned cache files...")

	artifacts, err := repo.ListArtifacts()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	tracked := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		tracked[filepath.Clean(a.LocalPath)] = true
	}

	orphanCount := 0
	err = filepath.WalkDir(cfg.CacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || tracked[filepath.Clean(path)] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			fmt.Printf("⚠️  Failed to remove orphaned file %s: %v\n", path, err)
			return nil
		}
		fmt.Printf("🗑️  Removed orphaned file: %s\n", path)
		orphanCount++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "cache scan failed")
	}

	fmt.Printf("✅ Removed %d orphaned files\n", orphanCount)
	return nil
}
