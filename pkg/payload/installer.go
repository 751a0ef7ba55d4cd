package payload

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/security"
)

// Installer makes sure the payload package is installed.
type Installer struct {
	component   Component
	registry    Registry
	trigger     InstallTrigger
	fetcher     Fetcher
	storageRoot string
	cacheDir    string
}

// NewInstaller creates an installer. fetcher may be nil, in which case
// remote locators stay NotYetReady until something else fills the cache.
func NewInstaller(c Component, registry Registry, trigger InstallTrigger, fetcher Fetcher, storageRoot, cacheDir string) *Installer {
	return &Installer{
		component:   c,
		registry:    registry,
		trigger:     trigger,
		fetcher:     fetcher,
		storageRoot: storageRoot,
		cacheDir:    cacheDir,
	}
}

// Installed queries the registry.
func (i *Installer) Installed() (bool, error) {
	return i.registry.Installed(i.component.Package)
}

// Check reports Ok once the package is installed. Until then it makes sure
// the artifact is being fetched and the install has been triggered, each at
// most once, and reports NotYetReady. A trigger that fails to start is
// rolled back and reported as TriggerFailed.
func (i *Installer) Check(desc *descriptor.Descriptor, flags Flags) (o outcome.Outcome, next Flags) {
	next = flags
	defer func() {
		if r := recover(); r != nil {
			slog.Error("payload_check_panic", "package", i.component.Package, "panic", r)
			o, next = outcome.Error("panic", fmt.Errorf("%v", r)), flags
		}
	}()

	installed, err := i.registry.Installed(i.component.Package)
	if err != nil {
		slog.Warn("payload_registry_query_failed", "package", i.component.Package, "error", err)
		return outcome.Error("registry_query_failed", err), next
	}
	if installed {
		return outcome.OK("installed"), next
	}
	if desc == nil {
		return outcome.Pending("no_descriptor"), next
	}

	artifact, err := Resolve(desc, i.storageRoot, i.cacheDir)
	if err != nil {
		slog.Warn("payload_locator_invalid", "locator", desc.PayloadLocator, "error", err)
		return outcome.Invalid(err), next
	}

	if _, err := os.Stat(artifact.Path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("payload_artifact_stat_failed", "path", artifact.Path, "error", err)
			return outcome.Error("artifact_stat_failed", err), next
		}
		return i.fetch(artifact, next)
	}

	if next.InstallTriggered {
		return outcome.Pending("install_in_progress"), next
	}

	if err := security.VerifySHA256(artifact.Path, artifact.SHA256); err != nil {
		return outcome.Invalid(err), next
	}

	next.InstallTriggered = true
	slog.Info("payload_install_triggered", "package", i.component.Package, "artifact", artifact.Path)
	if err := i.trigger.TriggerInstall(artifact.Path); err != nil {
		next.InstallTriggered = false
		slog.Error("payload_install_trigger_failed", "package", i.component.Package, "artifact", artifact.Path, "error", err)
		return outcome.Failed("install_trigger_failed", err), next
	}
	return outcome.Pending("install_started"), next
}

func (i *Installer) fetch(a Artifact, flags Flags) (outcome.Outcome, Flags) {
	if a.Remote == nil || i.fetcher == nil {
		slog.Info("payload_artifact_missing", "path", a.Path)
		return outcome.Outcome{Kind: outcome.NotYetReady, Reason: "artifact_missing", Err: ErrArtifactMissing}, flags
	}
	if flags.FetchTriggered {
		if i.fetcher.Fetching(a.Locator) {
			return outcome.Pending("fetch_in_progress"), flags
		}
		// The fetch ended without producing the artifact.
		slog.Warn("payload_fetch_ended_without_artifact", "locator", a.Locator, "path", a.Path)
		flags.FetchTriggered = false
	}

	flags.FetchTriggered = true
	slog.Info("payload_fetch_triggered", "locator", a.Locator, "path", a.Path)
	if err := i.fetcher.TriggerFetch(a); err != nil {
		flags.FetchTriggered = false
		slog.Error("payload_fetch_trigger_failed", "locator", a.Locator, "error", err)
		return outcome.Failed("fetch_trigger_failed", err), flags
	}
	return outcome.Pending("fetch_started"), flags
}
