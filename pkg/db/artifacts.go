package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/xam-io/kioskd/pkg/errors"
)

const artifactColumns = `id, locator, local_path, sha256, size, status, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*Artifact, error) {
	var a Artifact
	var errorMessage sql.NullString
	if err := s.Scan(
		&a.ID, &a.Locator, &a.LocalPath, &a.SHA256, &a.Size, &a.Status,
		&errorMessage, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ErrorMessage = errorMessage.String
	return &a, nil
}

// CreateArtifact inserts a new artifact record
func (r *Repository) CreateArtifact(a *Artifact) error {
	slog.Info("database_create_artifact", "locator", a.Locator, "status", a.Status)

	query := `
		INSERT INTO artifacts (locator, local_path, sha256, size, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query, a.Locator, a.LocalPath, a.SHA256, a.Size, a.Status, a.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "locator", a.Locator, "error", err)
		return errors.Wrap(err, "failed to insert artifact")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "locator", a.Locator, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	a.ID = id

	slog.Info("database_artifact_created", "locator", a.Locator, "artifact_id", a.ID)
	return nil
}

// GetArtifact retrieves an artifact by locator. It returns nil, nil when
// no record exists.
func (r *Repository) GetArtifact(locator string) (*Artifact, error) {
	slog.Debug("database_query_artifact", "locator", locator)

	row := r.db.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE locator = ?`, locator)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		slog.Debug("database_artifact_not_found", "locator", locator)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "locator", locator, "error", err)
		return nil, errors.Wrap(err, "failed to query artifact")
	}
	return a, nil
}

// UpdateArtifact updates an existing artifact record
func (r *Repository) UpdateArtifact(a *Artifact) error {
	slog.Info("database_update_artifact", "artifact_id", a.ID, "locator", a.Locator, "status", a.Status)

	query := `
		UPDATE artifacts
		SET local_path = ?, sha256 = ?, size = ?, status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query, a.LocalPath, a.SHA256, a.Size, a.Status, a.ErrorMessage, a.ID)
	if err != nil {
		slog.Error("database_update_failed", "artifact_id", a.ID, "error", err)
		return errors.Wrap(err, "failed to update artifact")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_artifact_not_found_for_update", "artifact_id", a.ID)
		return fmt.Errorf("artifact not found: id=%d", a.ID)
	}
	return nil
}

// UpdateArtifactStatus updates only the status and error message.
func (r *Repository) UpdateArtifactStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "artifact_id", id, "status", status)

	query := `UPDATE artifacts SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "artifact_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// ListArtifacts retrieves all artifacts, newest first.
func (r *Repository) ListArtifacts() ([]*Artifact, error) {
	rows, err := r.db.Query(`SELECT ` + artifactColumns + ` FROM artifacts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return artifacts, nil
}

// DeleteArtifact deletes an artifact record by ID
func (r *Repository) DeleteArtifact(id int64) error {
	slog.Info("database_delete_artifact", "artifact_id", id)

	if _, err := r.db.Exec(`DELETE FROM artifacts WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "artifact_id", id, "error", err)
		return errors.Wrap(err, "failed to delete artifact")
	}
	return nil
}
