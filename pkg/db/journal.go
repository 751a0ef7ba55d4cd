package db

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/xam-io/kioskd/pkg/errors"
)

// StartAttempt inserts a new attempt row.
func (r *Repository) StartAttempt(id string) error {
	slog.Debug("database_start_attempt", "attempt_id", id)

	_, err := r.db.Exec(`INSERT INTO attempts (id) VALUES (?)`, id)
	if err != nil {
		slog.Error("database_insert_failed", "attempt_id", id, "error", err)
		return errors.Wrap(err, "failed to insert attempt")
	}
	return nil
}

// SetBootOutcome records how the boot gate resolved for an attempt.
func (r *Repository) SetBootOutcome(id, bootOutcome string) error {
	_, err := r.db.Exec(`UPDATE attempts SET boot_outcome = ? WHERE id = ?`, bootOutcome, id)
	if err != nil {
		slog.Error("database_update_failed", "attempt_id", id, "error", err)
		return errors.Wrap(err, "failed to update boot outcome")
	}
	return nil
}

// RecordTransition appends a stage change and updates the attempt's
// latest stage.
func (r *Repository) RecordTransition(attemptID, from, to string, final bool) error {
	slog.Debug("database_record_transition", "attempt_id", attemptID, "from", from, "to", to)

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO transitions (attempt_id, from_stage, to_stage) VALUES (?, ?, ?)`,
		attemptID, from, to); err != nil {
		slog.Error("database_insert_failed", "attempt_id", attemptID, "error", err)
		return errors.Wrap(err, "failed to insert transition")
	}

	query := `UPDATE attempts SET final_stage = ? WHERE id = ?`
	if final {
		query = `UPDATE attempts SET final_stage = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?`
	}
	if _, err := tx.Exec(query, to, attemptID); err != nil {
		slog.Error("database_update_failed", "attempt_id", attemptID, "error", err)
		return errors.Wrap(err, "failed to update attempt")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// RecordRetry counts a re-check of a stage. Identical (stage, kind, reason)
// triples collapse into one counted row.
func (r *Repository) RecordRetry(attemptID, stage, kind, reason, lastError string) error {
	query := `
		INSERT INTO stage_retries (attempt_id, stage, kind, reason, count, last_error)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(attempt_id, stage, kind, reason) DO UPDATE
		SET count = count + 1, last_error = excluded.last_error, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, attemptID, stage, kind, reason, lastError); err != nil {
		slog.Error("database_upsert_failed", "attempt_id", attemptID, "stage", stage, "error", err)
		return errors.Wrap(err, "failed to record retry")
	}
	return nil
}

// ListAttempts returns the most recent attempts first. limit <= 0 returns
// all of them.
func (r *Repository) ListAttempts(limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(`
		SELECT id, boot_outcome, final_stage, started_at, finished_at
		FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list attempts")
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var finished sql.NullString
		if err := rows.Scan(&a.ID, &a.BootOutcome, &a.FinalStage, &a.StartedAt, &finished); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		a.FinishedAt = finished.String
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return attempts, nil
}

// ListTransitions returns an attempt's transitions in order.
func (r *Repository) ListTransitions(attemptID string) ([]*Transition, error) {
	rows, err := r.db.Query(`
		SELECT id, attempt_id, from_stage, to_stage, created_at
		FROM transitions WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		slog.Error("database_list_query_failed", "attempt_id", attemptID, "error", err)
		return nil, errors.Wrap(err, "failed to list transitions")
	}
	defer rows.Close()

	var out []*Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.AttemptID, &t.From, &t.To, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}

// ListRetries returns an attempt's aggregated retries, busiest first.
func (r *Repository) ListRetries(attemptID string) ([]*Retry, error) {
	rows, err := r.db.Query(`
		SELECT attempt_id, stage, kind, reason, count, last_error, updated_at
		FROM stage_retries WHERE attempt_id = ? ORDER BY count DESC, stage`, attemptID)
	if err != nil {
		slog.Error("database_list_query_failed", "attempt_id", attemptID, "error", err)
		return nil, errors.Wrap(err, "failed to list retries")
	}
	defer rows.Close()

	var out []*Retry
	for rows.Next() {
		var rt Retry
		var lastError sql.NullString
		if err := rows.Scan(&rt.AttemptID, &rt.Stage, &rt.Kind, &rt.Reason, &rt.Count, &lastError, &rt.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		rt.LastError = lastError.String
		out = append(out, &rt)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return out, nil
}

// PruneAttempts deletes everything but the newest keep attempts along with
// their transitions and retries. It returns the number of attempts removed.
func (r *Repository) PruneAttempts(ctx context.Context, keep int) (int64, error) {
	slog.Info("database_prune_attempts", "keep", keep)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stale := `SELECT id FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	for _, table := range []string{"transitions", "stage_retries"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE attempt_id IN (`+stale+`)`, keep); err != nil {
			slog.Error("database_delete_failed", "table", table, "error", err)
			return 0, errors.Wrap(err, "failed to prune "+table)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		slog.Error("database_delete_failed", "table", "attempts", "error", err)
		return 0, errors.Wrap(err, "failed to prune attempts")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit transaction")
	}

	slog.Info("database_attempts_pruned", "removed", n)
	return n, nil
}
