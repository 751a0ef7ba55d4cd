package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/xam-io/kioskd/pkg/db"
	"github.com/xam-io/kioskd/pkg/errors"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent provisioning attempts and cached artifacts",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "Number of attempts to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	attempts, err := repo.ListAttempts(statusLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(attempts) == 0 {
		fmt.Println("No provisioning attempts recorded")
	} else {
		fmt.Printf("%-38s %-20s %-12s %-16s %-16s\n", "ATTEMPT", "STAGE", "BOOT", "STARTED", "FINISHED")
		fmt.Println("------------------------------------------------------------------------------------------------------------")
		for _, a := range attempts {
			fmt.Printf("%-38s %-20s %-12s %-16s %-16s\n",
				a.ID, dash(a.FinalStage), dash(a.BootOutcome), ago(a.StartedAt), ago(a.FinishedAt))
		}

		latest := attempts[0]
		if err := printAttemptDetail(repo, latest); err != nil {
			return err
		}
	}

	artifacts, err := repo.ListArtifacts()
	if err != nil {
		return errors.Wrap(err, "list artifacts failed")
	}
	if len(artifacts) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Printf("%-50s %-12s %-10s %-16s\n", "ARTIFACT", "STATUS", "SIZE", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, a := range artifacts {
		size := "-"
		if a.Size > 0 {
			size = humanize.Bytes(uint64(a.Size))
		}
		fmt.Printf("%-50s %-12s %-10s %-16s\n", a.Locator, a.Status, size, ago(a.UpdatedAt))
		if a.ErrorMessage != "" {
			fmt.Printf("  ⚠️  %s\n", a.ErrorMessage)
		}
	}
	return nil
}

func printAttemptDetail(repo *db.Repository, a *db.Attempt) error {
	transitions, err := repo.ListTransitions(a.ID)
	if err != nil {
		return errors.Wrap(err, "list transitions failed")
	}
	retries, err := repo.ListRetries(a.ID)
	if err != nil {
		return errors.Wrap(err, "list retries failed")
	}

	fmt.Printf("\nLatest attempt %s:\n", a.ID)
	for _, t := range transitions {
		fmt.Printf("  %-16s %s -> %s\n", ago(t.CreatedAt), t.From, t.To)
	}
	for _, r := range retries {
		line := fmt.Sprintf("  %s retried %s (%s: %s)", r.Stage, humanize.Comma(int64(r.Count))+"x", r.Kind, dash(r.Reason))
		if r.LastError != "" {
			line += ": " + r.LastError
		}
		fmt.Println(line)
	}
	return nil
}
