// Package lockdown applies device-owner policies: the kiosk becomes the
// preferred home, only the kiosk and the payload may run in exclusive
// mode, and user adjustments are restricted. Data transfer stays allowed
// until the payload has been launched so the device can still be
// provisioned over USB.
package lockdown

import (
	"fmt"
	"log/slog"

	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/outcome"
)

// ErrNotOwner is returned when the process lacks device-owner authority.
var ErrNotOwner = errors.New("not device owner")

// Restrictions applied by the controller.
const (
	NoAdjustVolume     = "no_adjust_volume"
	NoConfigBrightness = "no_config_brightness"
	NoUSBFileTransfer  = "no_usb_file_transfer"
)

// PolicySurface is the platform's device policy API.
type PolicySurface interface {
	IsOwner() bool
	SetPreferredHome(pkg string) error
	SetLockTaskPackages(pkgs []string) error
	AddRestriction(name string) error
	EnterLockTask() error
}

// Controller applies policies in two phases: ApplyOwnerPolicies early in
// provisioning and FinalizeAfterLaunch once the payload runs.
type Controller struct {
	surface     PolicySurface
	selfPackage string
	payload     string
	launched    bool
}

func NewController(surface PolicySurface, selfPackage, payloadPackage string) *Controller {
	return &Controller{surface: surface, selfPackage: selfPackage, payload: payloadPackage}
}

// MarkLaunched records that the payload launch succeeded, allowing
// FinalizeAfterLaunch to run.
func (c *Controller) MarkLaunched() {
	c.launched = true
}

// ApplyOwnerPolicies sets the preferred home, the lock-task allowlist and
// the adjustment restrictions. Without owner authority it does nothing.
// Each policy is applied independently; the first failure is reported.
func (c *Controller) ApplyOwnerPolicies() (o outcome.Outcome) {
	defer recoverOutcome("apply_owner_policies", &o)

	if !c.surface.IsOwner() {
		slog.Warn("lockdown_not_owner", "phase", "apply_owner_policies")
		return notOwner()
	}

	var first error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		slog.Error("lockdown_policy_failed", "step", step, "error", err)
		if first == nil {
			first = errors.Wrap(err, step)
		}
	}

	note("preferred_home", c.surface.SetPreferredHome(c.selfPackage))
	note("lock_task_packages", c.surface.SetLockTaskPackages([]string{c.selfPackage, c.payload}))
	note(NoAdjustVolume, c.surface.AddRestriction(NoAdjustVolume))
	note(NoConfigBrightness, c.surface.AddRestriction(NoConfigBrightness))

	if first != nil {
		return outcome.Error("policy_failed", first)
	}
	slog.Info("lockdown_owner_policies_applied", "home", c.selfPackage, "lock_task", []string{c.selfPackage, c.payload})
	return outcome.OK("applied")
}

// FinalizeAfterLaunch disables USB file transfer and enters exclusive-use
// mode. It refuses to run before a launch was recorded. Both steps are
// attempted and the first failure is reported.
func (c *Controller) FinalizeAfterLaunch() (o outcome.Outcome) {
	defer recoverOutcome("finalize_after_launch", &o)

	if !c.launched {
		slog.Error("lockdown_finalize_before_launch")
		return outcome.Error("not_launched", fmt.Errorf("finalize requested before the payload was launched"))
	}
	if !c.surface.IsOwner() {
		slog.Warn("lockdown_not_owner", "phase", "finalize_after_launch")
		return notOwner()
	}

	// Lock task is attempted even when the restriction could not be added.
	var first outcome.Outcome
	failed := false
	if err := c.surface.AddRestriction(NoUSBFileTransfer); err != nil {
		slog.Error("lockdown_policy_failed", "step", NoUSBFileTransfer, "error", err)
		first, failed = outcome.Error("restriction_failed", err), true
	}
	if err := c.surface.EnterLockTask(); err != nil {
		slog.Error("lockdown_lock_task_failed", "error", err)
		if !failed {
			first, failed = outcome.Error("lock_task_failed", err), true
		}
	}
	if failed {
		return first
	}
	slog.Info("lockdown_finalized")
	return outcome.OK("locked")
}

func notOwner() outcome.Outcome {
	o := outcome.Unauthorized("not_owner")
	o.Err = ErrNotOwner
	return o
}

func recoverOutcome(phase string, o *outcome.Outcome) {
	if r := recover(); r != nil {
		slog.Error("lockdown_panic", "phase", phase, "panic", r)
		*o = outcome.Error("panic", fmt.Errorf("%v", r))
	}
}
