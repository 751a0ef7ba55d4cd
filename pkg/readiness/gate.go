package readiness

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Default boot gate timings.
const (
	DefaultPollInterval = 700 * time.Millisecond
	DefaultTimeout      = 60 * time.Second
)

// Outcome is the result of waiting for boot readiness.
type Outcome int

const (
	Pending Outcome = iota
	Ready
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// Gate waits for the user profile to be unlocked and storage to be mounted
// before provisioning starts. It gives up after a timeout rather than
// blocking forever; callers proceed on TimedOut.
type Gate struct {
	probe        Probe
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration

	startedAt time.Time
	polls     int
}

// NewGate creates a gate. A timeout shorter than one poll interval is
// raised to one poll interval.
func NewGate(probe Probe, clk clock.Clock, pollInterval, timeout time.Duration) *Gate {
	if clk == nil {
		clk = clock.WallClock
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if timeout < pollInterval {
		timeout = pollInterval
	}
	return &Gate{
		probe:        probe,
		clock:        clk,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// PollInterval returns the interval between readiness checks.
func (g *Gate) PollInterval() time.Duration {
	return g.pollInterval
}

// Begin starts the timeout window at now.
func (g *Gate) Begin(now time.Time) {
	g.startedAt = now
	g.polls = 0
}

// Poll runs one readiness check. It returns Ready when both conditions
// hold, TimedOut once the window has elapsed, and Pending otherwise.
func (g *Gate) Poll(now time.Time) Outcome {
	if g.startedAt.IsZero() {
		g.Begin(now)
	}
	g.polls++

	if g.Check() {
		slog.Info("boot_gate_ready", "polls", g.polls, "elapsed", now.Sub(g.startedAt))
		return Ready
	}
	if elapsed := now.Sub(g.startedAt); elapsed >= g.timeout {
		slog.Warn("boot_gate_timed_out", "polls", g.polls, "elapsed", elapsed, "timeout", g.timeout)
		return TimedOut
	}
	return Pending
}

// Check runs both probes once. Probe errors and panics count as not ready.
func (g *Gate) Check() (ready bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("readiness_probe_panic", "panic", r)
			ready = false
		}
	}()

	unlocked, err := g.probe.UserUnlocked()
	if err != nil {
		slog.Warn("user_unlock_probe_failed", "error", err)
		unlocked = false
	}
	storage, err := g.probe.StorageReady()
	if err != nil {
		slog.Warn("storage_probe_failed", "error", err)
		storage = false
	}

	slog.Debug("readiness_check", "unlocked", unlocked, "storage_ready", storage)
	return unlocked && storage
}

// AwaitBootReadiness blocks until the device is ready or the timeout
// elapses. A cancelled context is reported as TimedOut.
func (g *Gate) AwaitBootReadiness(ctx context.Context, timeout time.Duration) Outcome {
	if timeout < g.pollInterval {
		timeout = g.pollInterval
	}
	start := g.clock.Now()
	g.Begin(start)

	for {
		if g.Check() {
			slog.Info("boot_gate_ready", "elapsed", g.clock.Now().Sub(start))
			return Ready
		}

		elapsed := g.clock.Now().Sub(start)
		if elapsed >= timeout {
			slog.Warn("boot_gate_timed_out", "elapsed", elapsed, "timeout", timeout)
			return TimedOut
		}

		wait := g.pollInterval
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			slog.Warn("boot_gate_cancelled", "error", ctx.Err())
			return TimedOut
		case <-g.clock.After(wait):
		}
	}
}
