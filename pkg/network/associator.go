package network

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/scheduler"
)

// DefaultSettle is how long to wait after requesting association before
// checking the result.
const DefaultSettle = 5 * time.Second

// Associator drives a Controller until the device is associated with a
// target network. It never gives up: without the network there is no
// useful kiosk state to reach.
type Associator struct {
	ctl    Controller
	sched  *scheduler.Scheduler
	settle time.Duration

	// Retried, if set, is called each time an attempt ends without
	// association.
	Retried func(outcome.Outcome)

	pending  scheduler.Handle
	attempts int
}

// NewAssociator creates an associator that runs on sched.
func NewAssociator(ctl Controller, sched *scheduler.Scheduler, settle time.Duration) *Associator {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Associator{ctl: ctl, sched: sched, settle: settle}
}

// Attempts returns how many association attempts have run.
func (a *Associator) Attempts() int {
	return a.attempts
}

// EnsureAssociated schedules association with t and calls onAssociated on
// the scheduler once the current association matches.
func (a *Associator) EnsureAssociated(t Target, onAssociated func()) {
	a.Cancel()
	a.pending = a.sched.Post("network_attempt", func() { a.attempt(t, onAssociated) })
}

// Cancel drops any pending attempt or verification.
func (a *Associator) Cancel() {
	a.pending.Cancel()
	a.pending = scheduler.Handle{}
}

func (a *Associator) attempt(t Target, onAssociated func()) {
	a.attempts++
	defer func() {
		if r := recover(); r != nil {
			slog.Error("network_attempt_panic", "ssid", t.SSID, "panic", r)
			a.retry(t, onAssociated, outcome.Error("panic", fmt.Errorf("%v", r)))
		}
	}()

	a.ensureRadio()

	if cur, err := a.ctl.CurrentSSID(); err != nil {
		slog.Warn("network_current_ssid_failed", "error", err)
	} else if t.Matches(cur) {
		slog.Info("network_already_associated", "ssid", t.SSID)
		onAssociated()
		return
	}

	id, err := a.findOrAddProfile(t)
	if err != nil || id == "" {
		slog.Error("network_profile_register_failed", "ssid", t.SSID, "error", err)
		a.retry(t, onAssociated, outcome.Failed("profile_register", err))
		return
	}

	if err := a.ctl.EnableProfile(id); err != nil {
		slog.Error("network_profile_enable_failed", "ssid", t.SSID, "profile", id, "error", err)
	}
	if err := a.ctl.Reconnect(); err != nil {
		slog.Error("network_reconnect_failed", "ssid", t.SSID, "error", err)
	}
	slog.Info("network_association_requested", "ssid", t.SSID, "profile", id, "settle", a.settle)

	a.pending = a.sched.After("network_verify", a.settle, func() { a.verify(t, onAssociated) })
}

func (a *Associator) verify(t Target, onAssociated func()) {
	cur, err := a.ctl.CurrentSSID()
	if err != nil {
		slog.Warn("network_current_ssid_failed", "error", err)
	}
	if err == nil && t.Matches(cur) {
		slog.Info("network_associated", "ssid", t.SSID, "attempts", a.attempts)
		onAssociated()
		return
	}

	slog.Info("network_not_associated", "ssid", t.SSID, "current", cur)
	if a.Retried != nil {
		a.Retried(outcome.Pending("not_associated"))
	}
	a.pending = a.sched.Post("network_attempt", func() { a.attempt(t, onAssociated) })
}

func (a *Associator) retry(t Target, onAssociated func(), o outcome.Outcome) {
	if a.Retried != nil {
		a.Retried(o)
	}
	a.pending = a.sched.After("network_attempt", a.settle, func() { a.attempt(t, onAssociated) })
}

func (a *Associator) ensureRadio() {
	on, err := a.ctl.RadioEnabled()
	if err != nil {
		slog.Warn("network_radio_query_failed", "error", err)
	}
	if on {
		return
	}
	if err := a.ctl.SetRadioEnabled(true); err != nil {
		slog.Error("network_radio_enable_failed", "error", err)
		return
	}
	slog.Info("network_radio_enabled")
}

func (a *Associator) findOrAddProfile(t Target) (string, error) {
	profiles, err := a.ctl.Profiles()
	if err != nil {
		slog.Warn("network_profiles_query_failed", "error", err)
	}
	for _, p := range profiles {
		if t.Matches(p.SSID) {
			slog.Info("network_profile_reused", "ssid", t.SSID, "profile", p.ID)
			return p.ID, nil
		}
	}

	id, err := a.ctl.AddProfile(t)
	if err != nil {
		return "", err
	}
	if id != "" {
		slog.Info("network_profile_added", "ssid", t.SSID, "auth", t.AuthMode, "profile", id)
	}
	return id, nil
}
