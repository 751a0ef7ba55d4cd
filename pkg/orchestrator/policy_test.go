package orchestrator

import (
	"strings"
	"testing"
	"time"
)

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		intervals Intervals
		stages    []Stage
		want      []time.Duration
	}{
		{
			name:      "fixed intervals",
			intervals: DefaultIntervals(),
			stages:    []Stage{AwaitingConfig, AwaitingConfig, AwaitingPayload, Launching, AwaitingReadiness},
			want:      []time.Duration{3 * time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second, 700 * time.Millisecond},
		},
		{
			name:      "capped backoff",
			intervals: Intervals{Payload: 5 * time.Second, BackoffMax: 20 * time.Second},
			stages:    []Stage{AwaitingPayload, AwaitingPayload, AwaitingPayload, AwaitingPayload, Launching},
			want:      []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 20 * time.Second, 5 * time.Second},
		},
		{
			name:      "readiness never backs off",
			intervals: Intervals{BackoffMax: time.Minute},
			stages:    []Stage{AwaitingReadiness, AwaitingReadiness},
			want:      []time.Duration{700 * time.Millisecond, 700 * time.Millisecond},
		},
		{
			name:      "unpolled stages fall back to the payload interval",
			intervals: DefaultIntervals(),
			stages:    []Stage{AssociatingNetwork, LockingDown},
			want:      []time.Duration{5 * time.Second, 5 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRetryPolicy(tt.intervals)
			for i, s := range tt.stages {
				if got := p.next(s); got != tt.want[i] {
					t.Errorf("next(%s) #%d = %s, want %s", s, i, got, tt.want[i])
				}
			}
		})
	}
}

func TestRetryPolicy_Reset(t *testing.T) {
	p := newRetryPolicy(Intervals{Config: time.Second, BackoffMax: 10 * time.Second})
	p.next(AwaitingConfig)
	p.next(AwaitingConfig)
	p.reset()
	if got := p.next(AwaitingConfig); got != time.Second {
		t.Errorf("after reset next = %s, want 1s", got)
	}
}

func TestStageString(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Stages() {
		name := s.String()
		if strings.HasPrefix(name, "stage(") || seen[name] {
			t.Errorf("stage %d has no unique name: %q", int(s), name)
		}
		seen[name] = true
	}
	if Stage(42).String() != "stage(42)" {
		t.Errorf("unexpected name for unknown stage: %s", Stage(42))
	}
}
