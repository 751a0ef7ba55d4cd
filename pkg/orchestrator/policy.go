package orchestrator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default stage intervals.
const (
	DefaultReadinessInterval = 700 * time.Millisecond
	DefaultConfigInterval    = 3 * time.Second
	DefaultPayloadInterval   = 5 * time.Second
	DefaultLaunchInterval    = 5 * time.Second
)

// Intervals sets how long a stage waits before re-checking its condition.
type Intervals struct {
	Readiness time.Duration
	Config    time.Duration
	Payload   time.Duration
	Launch    time.Duration

	// BackoffMax, when larger than a stage's interval, grows the config,
	// payload and launch delays exponentially up to this cap. Zero keeps
	// fixed intervals.
	BackoffMax time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Readiness: DefaultReadinessInterval,
		Config:    DefaultConfigInterval,
		Payload:   DefaultPayloadInterval,
		Launch:    DefaultLaunchInterval,
	}
}

func (iv Intervals) base(s Stage) time.Duration {
	var d time.Duration
	switch s {
	case AwaitingReadiness:
		d = iv.Readiness
	case AwaitingConfig:
		d = iv.Config
	case AwaitingPayload:
		d = iv.Payload
	case Launching:
		d = iv.Launch
	}
	if d > 0 {
		return d
	}
	switch s {
	case AwaitingReadiness:
		return DefaultReadinessInterval
	case AwaitingConfig:
		return DefaultConfigInterval
	case Launching:
		return DefaultLaunchInterval
	default:
		return DefaultPayloadInterval
	}
}

// retryPolicy hands out the delay before the next check of a stage. Delays
// restart from the base interval whenever the stage changes.
type retryPolicy struct {
	intervals Intervals
	stage     Stage
	backoff   *backoff.ExponentialBackOff
}

func newRetryPolicy(iv Intervals) *retryPolicy {
	return &retryPolicy{intervals: iv, stage: -1}
}

func (p *retryPolicy) next(s Stage) time.Duration {
	base := p.intervals.base(s)
	if s == AwaitingReadiness || p.intervals.BackoffMax <= base {
		return base
	}

	if p.backoff == nil || p.stage != s {
		p.stage = s
		p.backoff = backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(base),
			backoff.WithMaxInterval(p.intervals.BackoffMax),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(0),
			backoff.WithMaxElapsedTime(0),
		)
	}
	return p.backoff.NextBackOff()
}

func (p *retryPolicy) reset() {
	p.backoff = nil
	p.stage = -1
}
