// Package payload installs and launches the single application the kiosk
// exists to run.
//
// Both the installer and the launcher are driven by a polling loop. They
// never block on the platform: triggers start work in the background and a
// later Check observes the result. Trigger flags are passed in and returned
// by value so the caller owns them.
package payload

import (
	"github.com/xam-io/kioskd/pkg/errors"
)

// ErrArtifactMissing is attached to outcomes reporting that the artifact
// named by the descriptor is not on disk yet.
var ErrArtifactMissing = errors.New("payload artifact missing")

// Flags records which one-shot actions have been started. A flag is set
// before its action and cleared only when the action fails to start.
type Flags struct {
	InstallTriggered bool
	LaunchAttempted  bool
	FetchTriggered   bool
}

// Component identifies the payload: its package name and the entry point
// that is started to run it.
type Component struct {
	Package string
	Entry   string
}

func (c Component) String() string {
	return c.Package + "/" + c.Entry
}

// Registry answers whether a package is installed.
type Registry interface {
	Installed(pkg string) (bool, error)
}

// InstallTrigger starts an asynchronous install of the artifact at path.
// A nil error means the install was started, not that it finished.
type InstallTrigger interface {
	TriggerInstall(path string) error
}

// Fetcher starts an asynchronous download of a remote artifact into its
// local cache path. Fetching reports whether a download for locator is
// still running.
type Fetcher interface {
	TriggerFetch(a Artifact) error
	Fetching(locator string) bool
}

// Starter starts the payload's entry point, replacing any running instance.
type Starter interface {
	Start(c Component) error
	Running(c Component) (bool, error)
}
