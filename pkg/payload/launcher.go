package payload

import (
	"fmt"
	"log/slog"

	"github.com/xam-io/kioskd/pkg/outcome"
)

// Launcher starts the payload at most once per process lifetime.
type Launcher struct {
	component Component
	starter   Starter
}

// NewLauncher creates a launcher for c.
func NewLauncher(c Component, starter Starter) *Launcher {
	return &Launcher{component: c, starter: starter}
}

// Launch starts the payload unless a launch was already attempted. A
// payload found running (the daemon restarted after a successful launch)
// is recorded as launched without being restarted. On a start failure the
// flag is rolled back and TriggerFailed returned.
func (l *Launcher) Launch(flags Flags) (o outcome.Outcome, next Flags) {
	next = flags
	if flags.LaunchAttempted {
		return outcome.OK("already_attempted"), next
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("payload_launch_panic", "component", l.component.String(), "panic", r)
			o, next = outcome.Error("panic", fmt.Errorf("%v", r)), flags
		}
	}()

	running, err := l.starter.Running(l.component)
	if err != nil {
		slog.Warn("payload_running_query_failed", "component", l.component.String(), "error", err)
	}
	if running {
		slog.Info("payload_already_running", "component", l.component.String())
		next.LaunchAttempted = true
		return outcome.OK("already_running"), next
	}

	next.LaunchAttempted = true
	if err := l.starter.Start(l.component); err != nil {
		next.LaunchAttempted = false
		slog.Error("payload_launch_failed", "component", l.component.String(), "error", err)
		return outcome.Failed("launch_failed", err), next
	}
	slog.Info("payload_launched", "component", l.component.String())
	return outcome.OK("launched"), next
}
