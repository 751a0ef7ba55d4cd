// Package journal records provisioning attempts for operators. It is
// write-only from the orchestrator's point of view: nothing here is read
// back to resume a run.
package journal

import (
	"log/slog"

	"github.com/xam-io/kioskd/pkg/orchestrator"
	"github.com/xam-io/kioskd/pkg/outcome"
)

// Store is the subset of db.Repository the journal writes to.
type Store interface {
	StartAttempt(id string) error
	SetBootOutcome(id, bootOutcome string) error
	RecordTransition(attemptID, from, to string, final bool) error
	RecordRetry(attemptID, stage, kind, reason, lastError string) error
}

// Observer writes orchestrator events to a Store. Write failures are
// logged and dropped.
type Observer struct {
	store Store
}

func NewObserver(store Store) *Observer {
	return &Observer{store: store}
}

func (j *Observer) AttemptStarted(s orchestrator.State) {
	if err := j.store.StartAttempt(s.AttemptID); err != nil {
		slog.Warn("journal_write_failed", "attempt_id", s.AttemptID, "event", "attempt_started", "error", err)
	}
}

func (j *Observer) StageChanged(s orchestrator.State, from orchestrator.Stage) {
	if from == orchestrator.AwaitingReadiness {
		if err := j.store.SetBootOutcome(s.AttemptID, s.BootOutcome.String()); err != nil {
			slog.Warn("journal_write_failed", "attempt_id", s.AttemptID, "event", "boot_outcome", "error", err)
		}
	}
	final := s.Stage == orchestrator.Done
	if err := j.store.RecordTransition(s.AttemptID, from.String(), s.Stage.String(), final); err != nil {
		slog.Warn("journal_write_failed", "attempt_id", s.AttemptID, "event", "stage_changed", "error", err)
	}
}

func (j *Observer) StageRetried(s orchestrator.State, res outcome.Outcome) {
	var lastError string
	if res.Err != nil {
		lastError = res.Err.Error()
	}
	if err := j.store.RecordRetry(s.AttemptID, s.Stage.String(), res.Kind.String(), res.Reason, lastError); err != nil {
		slog.Warn("journal_write_failed", "attempt_id", s.AttemptID, "event", "stage_retried", "error", err)
	}
}
