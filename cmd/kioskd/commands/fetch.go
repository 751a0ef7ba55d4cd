package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"github.com/xam-io/kioskd/pkg/db"
	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/fetch"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/storage"
)

var fetchSHA256 string

var fetchCmd = &cobra.Command{
	Use:   "fetch <s3://bucket/key>",
	Short: "Fetch a payload artifact into the local cache",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchSHA256, "sha256", "", "Expected SHA256 of the artifact")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	locator := args[0]

	if _, remote, err := storage.ParseLocator(locator); err != nil {
		return err
	} else if !remote {
		return fmt.Errorf("not a remote locator: %s", locator)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	artifact, err := payload.Resolve(&descriptor.Descriptor{PayloadLocator: locator, PayloadSHA256: fetchSHA256}, cfg.StorageRoot, cfg.CacheDir)
	if err != nil {
		return errors.Wrap(err, "invalid locator")
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.CacheDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	s3Client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3Anonymous)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := fetch.NewMachine(repo, s3Client, cfg.MaxArtifactSize, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	run := fetch.Runner(manager, start)
	_, err = run(ctx, &fetch.ArtifactRequest{
		Locator:   artifact.Locator,
		Bucket:    artifact.Remote.Bucket,
		Key:       artifact.Remote.Key,
		LocalPath: artifact.Path,
		SHA256:    artifact.SHA256,
	})
	if err != nil {
		return err
	}

	art, err := repo.GetArtifact(locator)
	if err != nil {
		return errors.Wrap(err, "artifact lookup failed")
	}
	if art == nil {
		return fmt.Errorf("artifact record missing after fetch: %s", locator)
	}
	fmt.Printf("✅ %s -> %s (%s, sha256 %s)\n", locator, art.LocalPath, humanize.Bytes(uint64(art.Size)), art.SHA256)
	return nil
}
