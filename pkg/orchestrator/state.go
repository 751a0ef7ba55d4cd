package orchestrator

import (
	"fmt"
	"time"

	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/payload"
	"github.com/xam-io/kioskd/pkg/readiness"
)

// Stage is one step of provisioning. Stages only move forward.
type Stage int

const (
	// AwaitingReadiness waits for the user unlock and mounted storage, or
	// for the boot gate to time out.
	AwaitingReadiness Stage = iota
	// AwaitingConfig waits for a valid descriptor.
	AwaitingConfig
	// AssociatingNetwork waits for the device to join the descriptor's
	// network. Skipped when the descriptor names none.
	AssociatingNetwork
	// AwaitingPayload waits for the payload package to be installed.
	AwaitingPayload
	// Launching starts the payload.
	Launching
	// LockingDown restricts data transfer and enters exclusive mode.
	LockingDown
	// Done is terminal.
	Done
)

var stageNames = [...]string{
	AwaitingReadiness:  "awaiting_readiness",
	AwaitingConfig:     "awaiting_config",
	AssociatingNetwork: "associating_network",
	AwaitingPayload:    "awaiting_payload",
	Launching:          "launching",
	LockingDown:        "locking_down",
	Done:               "done",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Stages lists every stage in order.
func Stages() []Stage {
	return []Stage{AwaitingReadiness, AwaitingConfig, AssociatingNetwork, AwaitingPayload, Launching, LockingDown, Done}
}

// State is owned by the orchestrator and rebuilt on every process start.
type State struct {
	Stage            Stage
	InstallTriggered bool
	LaunchAttempted  bool
	FetchTriggered   bool
	PoliciesApplied  bool

	AttemptStartedAt time.Time
	AttemptID        string
	BootOutcome      readiness.Outcome
	Descriptor       *descriptor.Descriptor
}

// Flags returns the payload trigger flags.
func (s State) Flags() payload.Flags {
	return payload.Flags{
		InstallTriggered: s.InstallTriggered,
		LaunchAttempted:  s.LaunchAttempted,
		FetchTriggered:   s.FetchTriggered,
	}
}

// WithFlags returns a copy of s carrying f.
func (s State) WithFlags(f payload.Flags) State {
	s.InstallTriggered = f.InstallTriggered
	s.LaunchAttempted = f.LaunchAttempted
	s.FetchTriggered = f.FetchTriggered
	return s
}
