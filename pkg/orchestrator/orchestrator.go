// Package orchestrator drives a device from boot to a locked-down kiosk:
// boot readiness, descriptor ingestion, network association, payload
// install and launch, then lockdown. Every stage checks its condition,
// advances when it holds and otherwise reschedules itself on the
// cooperative scheduler. Nothing blocks and nothing gives up, apart from
// the boot gate's timeout.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/network"
	"github.com/xam-io/kioskd/pkg/outcome"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/readiness"
	"github.com/xam-io/kioskd/pkg/scheduler"
)

// BootGate is polled while AwaitingReadiness.
type BootGate interface {
	Begin(now time.Time)
	Poll(now time.Time) readiness.Outcome
}

// ConfigSource loads the provisioning descriptor.
type ConfigSource interface {
	Load() (*descriptor.Descriptor, outcome.Outcome)
}

// NetworkAssociator joins a network and calls back on the scheduler.
type NetworkAssociator interface {
	EnsureAssociated(t network.Target, onAssociated func())
	Cancel()
}

// PayloadInstaller reports whether the payload is installed, triggering
// fetch and install as needed.
type PayloadInstaller interface {
	Check(desc *descriptor.Descriptor, flags payload.Flags) (outcome.Outcome, payload.Flags)
}

// PayloadLauncher starts the payload.
type PayloadLauncher interface {
	Launch(flags payload.Flags) (outcome.Outcome, payload.Flags)
}

// Lockdown applies device-owner policies.
type Lockdown interface {
	ApplyOwnerPolicies() outcome.Outcome
	MarkLaunched()
	FinalizeAfterLaunch() outcome.Outcome
}

// Deps are the platform surfaces the orchestrator drives.
type Deps struct {
	Gate      BootGate
	Config    ConfigSource
	Network   NetworkAssociator
	Installer PayloadInstaller
	Launcher  PayloadLauncher
	Lockdown  Lockdown
}

// Observer is told about every transition and every retry. Observers run
// on the scheduler goroutine and must not block.
type Observer interface {
	AttemptStarted(s State)
	StageChanged(s State, from Stage)
	StageRetried(s State, o outcome.Outcome)
}

// Orchestrator owns the provisioning State. All of its methods except
// Start and Nudge must be called on the scheduler goroutine.
type Orchestrator struct {
	deps      Deps
	sched     *scheduler.Scheduler
	retry     *retryPolicy
	observers []Observer
	log       *slog.Logger

	state   State
	started bool
	pending scheduler.Handle
}

// New creates an orchestrator that runs its stages on sched.
func New(deps Deps, sched *scheduler.Scheduler, intervals Intervals, observers ...Observer) *Orchestrator {
	return &Orchestrator{
		deps:      deps,
		sched:     sched,
		retry:     newRetryPolicy(intervals),
		observers: observers,
		log:       slog.Default(),
	}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Start begins a provisioning attempt. Calling it again has no effect.
func (o *Orchestrator) Start() {
	o.sched.Post("orchestrator_start", func() {
		if o.started {
			return
		}
		o.started = true

		now := o.sched.Clock().Now()
		o.state = State{
			Stage:            AwaitingReadiness,
			AttemptID:        uuid.NewString(),
			AttemptStartedAt: now,
		}
		o.log = slog.Default().With("attempt_id", o.state.AttemptID)
		o.log.Info("provisioning_started")
		o.deps.Gate.Begin(now)
		for _, obs := range o.observers {
			obs.AttemptStarted(o.state)
		}
		o.runStage()
	})
}

// Nudge re-checks the current stage now instead of at its next scheduled
// poll. It is safe to call from any goroutine. Stages that are not polled
// ignore it.
func (o *Orchestrator) Nudge() {
	o.sched.Post("orchestrator_nudge", func() {
		switch o.state.Stage {
		case AwaitingConfig, AwaitingPayload, Launching:
			o.log.Debug("stage_nudged", "stage", o.state.Stage)
			o.pending.Cancel()
			o.runStage()
		}
	})
}

// NetworkRetried forwards association retries to observers.
func (o *Orchestrator) NetworkRetried(out outcome.Outcome) {
	if o.state.Stage != AssociatingNetwork {
		return
	}
	for _, obs := range o.observers {
		obs.StageRetried(o.state, out)
	}
}

func (o *Orchestrator) runStage() {
	stage := o.state.Stage
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("stage_panic", "stage", stage, "panic", r)
			o.reschedule(outcome.Error("panic", fmt.Errorf("%v", r)))
		}
	}()

	switch stage {
	case AwaitingReadiness:
		o.awaitReadiness()
	case AwaitingConfig:
		o.awaitConfig()
	case AssociatingNetwork:
		o.associate()
	case AwaitingPayload:
		o.awaitPayload()
	case Launching:
		o.launch()
	case LockingDown:
		o.lockDown()
	case Done:
	}
}

func (o *Orchestrator) awaitReadiness() {
	res := o.deps.Gate.Poll(o.sched.Clock().Now())
	if res == readiness.Pending {
		o.reschedule(outcome.Pending("boot_not_ready"))
		return
	}
	o.state.BootOutcome = res
	if res == readiness.TimedOut {
		o.log.Warn("boot_readiness_timed_out", "elapsed", o.sched.Clock().Now().Sub(o.state.AttemptStartedAt))
	}

	o.applyOwnerPolicies()
	o.advance(AwaitingConfig)
}

func (o *Orchestrator) awaitConfig() {
	desc, res := o.deps.Config.Load()
	if !res.IsOK() {
		o.reschedule(res)
		return
	}
	o.state.Descriptor = desc
	o.log.Info("descriptor_loaded",
		"ssid", desc.NetworkName,
		"payload", desc.PayloadLocator,
		"checksum", desc.PayloadSHA256 != "")

	if _, ok := desc.Target(); ok {
		o.advance(AssociatingNetwork)
		return
	}
	o.log.Info("network_stage_skipped")
	o.advance(AwaitingPayload)
}

func (o *Orchestrator) associate() {
	target, ok := o.state.Descriptor.Target()
	if !ok {
		o.advance(AwaitingPayload)
		return
	}
	o.deps.Network.EnsureAssociated(target, func() {
		if o.state.Stage == AssociatingNetwork {
			o.advance(AwaitingPayload)
		}
	})
}

func (o *Orchestrator) awaitPayload() {
	res, flags := o.deps.Installer.Check(o.state.Descriptor, o.state.Flags())
	o.state = o.state.WithFlags(flags)
	if !res.IsOK() {
		o.reschedule(res)
		return
	}
	o.advance(Launching)
}

func (o *Orchestrator) launch() {
	res, flags := o.deps.Launcher.Launch(o.state.Flags())
	o.state = o.state.WithFlags(flags)
	if !res.IsOK() {
		o.reschedule(res)
		return
	}
	o.deps.Lockdown.MarkLaunched()
	o.advance(LockingDown)
}

func (o *Orchestrator) lockDown() {
	if !o.state.PoliciesApplied {
		o.applyOwnerPolicies()
	}
	res := o.deps.Lockdown.FinalizeAfterLaunch()
	if !res.IsOK() {
		// the payload keeps running without exclusive mode
		o.log.Warn("lockdown_incomplete", "outcome", res.String())
	}
	o.advance(Done)
}

func (o *Orchestrator) applyOwnerPolicies() {
	res := o.deps.Lockdown.ApplyOwnerPolicies()
	switch res.Kind {
	case outcome.Ok:
		o.state.PoliciesApplied = true
	case outcome.AuthorityMissing:
		// retrying cannot grant authority
		o.state.PoliciesApplied = true
		o.log.Warn("owner_policies_skipped", "reason", res.Reason)
	default:
		o.log.Warn("owner_policies_failed", "outcome", res.String())
	}
}

// advance moves to next and runs it as soon as the scheduler is free.
func (o *Orchestrator) advance(next Stage) {
	from := o.state.Stage
	if next <= from {
		o.log.Error("stage_regression_refused", "from", from, "to", next)
		return
	}
	o.pending.Cancel()
	o.retry.reset()
	o.state.Stage = next

	o.log.Info("stage_transition", "from", from, "to", next)
	for _, obs := range o.observers {
		obs.StageChanged(o.state, from)
	}

	if next == Done {
		o.deps.Network.Cancel()
		o.log.Info("provisioning_done", "elapsed", o.sched.Clock().Now().Sub(o.state.AttemptStartedAt))
		return
	}
	o.pending = o.sched.Post(next.String(), o.runStage)
}

func (o *Orchestrator) reschedule(res outcome.Outcome) {
	stage := o.state.Stage
	delay := o.retry.next(stage)

	level := slog.LevelDebug
	if res.Kind != outcome.NotYetReady {
		level = slog.LevelWarn
	}
	o.log.Log(context.Background(), level, "stage_retry", "stage", stage, "outcome", res.String(), "delay", delay)

	for _, obs := range o.observers {
		obs.StageRetried(o.state, res)
	}
	o.pending = o.sched.After(stage.String(), delay, o.runStage)
}
