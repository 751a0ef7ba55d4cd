package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
	"github.com/xam-io/kioskd/pkg/db"
	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/fetch"
	"github.com/xam-io/kioskd/pkg/journal"
	"github.com/xam-io/kioskd/pkg/lockdown"
	"github.com/xam-io/kioskd/pkg/metrics"
	"github.com/xam-io/kioskd/pkg/network"
	"github.com/xam-io/kioskd/pkg/orchestrator"
	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/readiness"
	"github.com/xam-io/kioskd/pkg/scheduler"
	"github.com/xam-io/kioskd/pkg/storage"
	"github.com/xam-io/kioskd/pkg/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision the device and keep it in kiosk mode",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.AppsDir, cfg.CacheDir, filepath.Dir(cfg.PolicyPath)); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if cfg.JournalKeep > 0 {
		if _, err := repo.PruneAttempts(ctx, cfg.JournalKeep); err != nil {
			slog.Warn("journal_prune_failed", "error", err)
		}
	}

	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return errors.Wrap(err, "systemd connection failed")
	}
	defer conn.Close()

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
	fetcher := fetch.NewFetcher(ctx, fetch.Runner(manager, start))

	clk := clock.WallClock
	sched := scheduler.New(clk)

	probe := readiness.NewLinuxProbe(cfg.RuntimeDir, cfg.StorageRoot, cfg.VolumePrefixes)
	gate := readiness.NewGate(probe, clk, cfg.ReadinessInterval, cfg.ReadinessTimeout)
	associator := network.NewAssociator(network.NewNMCLI(cfg.WifiInterface), sched, cfg.NetworkSettle)

	component := payload.Component{Package: cfg.PayloadPackage, Entry: cfg.PayloadUnit}
	installer := payload.NewInstaller(
		component,
		payload.DirRegistry{AppsDir: cfg.AppsDir},
		payload.NewTarballInstaller(cfg.AppsDir, cfg.PayloadPackage, limits(cfg)),
		fetcher,
		cfg.StorageRoot,
		cfg.CacheDir,
	)
	launcher := payload.NewLauncher(component, payload.NewSystemdStarter(conn))
	lock := lockdown.NewController(
		lockdown.NewFileSurface(cfg.PolicyPath, cfg.LockTarget, conn),
		cfg.SelfPackage,
		cfg.PayloadPackage,
	)

	orch := orchestrator.New(
		orchestrator.Deps{
			Gate:      gate,
			Config:    descriptor.NewStore(cfg.DescriptorPath),
			Network:   associator,
			Installer: installer,
			Launcher:  launcher,
			Lockdown:  lock,
		},
		sched,
		orchestrator.Intervals{
			Readiness:  cfg.ReadinessInterval,
			Config:     cfg.ConfigInterval,
			Payload:    cfg.PayloadInterval,
			Launch:     cfg.LaunchInterval,
			BackoffMax: cfg.RetryBackoffMax,
		},
		metrics.NewObserver(clk.Now),
		journal.NewObserver(repo),
		readyNotifier{},
	)
	associator.Retried = orch.NetworkRetried

	watcher, err := watch.New(clk, cfg.WatchDebounce, orch.Nudge)
	if err != nil {
		slog.Warn("watch_unavailable", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.AddFile(cfg.DescriptorPath); err != nil {
			slog.Warn("watch_descriptor_failed", "error", err)
		}
		for _, dir := range []string{cfg.StorageRoot, cfg.CacheDir, cfg.AppsDir} {
			if err := watcher.AddDir(dir); err != nil {
				slog.Warn("watch_dir_failed", "dir", dir, "error", err)
			}
		}
		go watcher.Run(ctx)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				slog.Error("metrics_server_failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	slog.Info("kioskd_started",
		"descriptor_path", cfg.DescriptorPath,
		"payload", component.String(),
		"backoff_max", cfg.RetryBackoffMax,
	)
	orch.Start()

	err = sched.Run(ctx)
	fetcher.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "scheduler stopped")
	}

	slog.Info("kioskd_stopped", "stage", orch.State().Stage.String())
	return nil
}

// readyNotifier tells systemd the unit is up once provisioning is done.
type readyNotifier struct{}

func (readyNotifier) AttemptStarted(orchestrator.State) {}

func (readyNotifier) StageChanged(s orchestrator.State, _ orchestrator.Stage) {
	if s.Stage != orchestrator.Done {
		return
	}
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("sd_notify_failed", "error", err)
		return
	}
	slog.Info("sd_notify", "sent", sent)
}

func (readyNotifier) StageRetried(orchestrator.State, outcome.Outcome) {}
