package db

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "kioskd.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_ArtifactCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	a := &Artifact{
		Locator:   "s3://kiosk/payload.tar.zst",
		LocalPath: "/var/cache/kioskd/kiosk/payload.tar.zst",
		Status:    StatusPending,
	}
	if err := repo.CreateArtifact(a); err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}
	if a.ID == 0 {
		t.Fatal("artifact id not set")
	}

	got, err := repo.GetArtifact(a.Locator)
	if err != nil {
		t.Fatalf("failed to get artifact: %v", err)
	}
	if got == nil || got.LocalPath != a.LocalPath || got.Status != StatusPending {
		t.Errorf("retrieved artifact mismatch: got %+v, want %+v", got, a)
	}

	missing, err := repo.GetArtifact("s3://kiosk/other.tar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown locator, got %+v", missing)
	}
}

func TestRepository_ArtifactUpdate(t *testing.T) {
	repo := newTestRepo(t)

	a := &Artifact{Locator: "s3://kiosk/a.tar", LocalPath: "/tmp/a.tar", Status: StatusPending}
	if err := repo.CreateArtifact(a); err != nil {
		t.Fatal(err)
	}

	if err := repo.UpdateArtifactStatus(a.ID, StatusDownloading, ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	got, _ := repo.GetArtifact(a.Locator)
	if got.Status != StatusDownloading {
		t.Errorf("status not updated: got %s, want %s", got.Status, StatusDownloading)
	}

	got.SHA256 = "abc123"
	got.Size = 42
	got.Status = StatusFailed
	got.ErrorMessage = "checksum mismatch"
	if err := repo.UpdateArtifact(got); err != nil {
		t.Fatalf("failed to update artifact: %v", err)
	}
	got, _ = repo.GetArtifact(a.Locator)
	if got.SHA256 != "abc123" || got.Size != 42 || got.ErrorMessage != "checksum mismatch" {
		t.Errorf("artifact not updated: %+v", got)
	}

	if err := repo.UpdateArtifact(&Artifact{ID: 999, Status: StatusReady}); err == nil {
		t.Error("expected error updating unknown artifact")
	}
}

func TestRepository_ArtifactStatusConstraint(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.CreateArtifact(&Artifact{Locator: "s3://kiosk/a.tar", LocalPath: "/tmp/a.tar", Status: "bogus"})
	if err == nil {
		t.Error("expected check constraint violation for unknown status")
	}
}

func TestRepository_ArtifactListAndDelete(t *testing.T) {
	repo := newTestRepo(t)

	repo.CreateArtifact(&Artifact{Locator: "s3://kiosk/1.tar", LocalPath: "/tmp/1.tar", Status: StatusReady})
	repo.CreateArtifact(&Artifact{Locator: "s3://kiosk/2.tar", LocalPath: "/tmp/2.tar", Status: StatusFailed})

	artifacts, err := repo.ListArtifacts()
	if err != nil {
		t.Fatalf("failed to list artifacts: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(artifacts))
	}
	if artifacts[0].Locator != "s3://kiosk/2.tar" {
		t.Errorf("expected newest first, got %s", artifacts[0].Locator)
	}

	if err := repo.DeleteArtifact(artifacts[0].ID); err != nil {
		t.Fatalf("failed to delete artifact: %v", err)
	}
	artifacts, _ = repo.ListArtifacts()
	if len(artifacts) != 1 {
		t.Errorf("expected 1 artifact after delete, got %d", len(artifacts))
	}
}

func TestRepository_Journal(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.StartAttempt("a1"); err != nil {
		t.Fatalf("failed to start attempt: %v", err)
	}
	if err := repo.SetBootOutcome("a1", "ready"); err != nil {
		t.Fatalf("failed to set boot outcome: %v", err)
	}
	if err := repo.RecordTransition("a1", "awaiting_readiness", "awaiting_config", false); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}
	if err := repo.RecordTransition("a1", "awaiting_config", "done", true); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}

	attempts, err := repo.ListAttempts(10)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.BootOutcome != "ready" || a.FinalStage != "done" || a.FinishedAt == "" {
		t.Errorf("attempt = %+v", a)
	}

	transitions, err := repo.ListTransitions("a1")
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(transitions) != 2 || transitions[0].To != "awaiting_config" || transitions[1].To != "done" {
		t.Errorf("transitions = %+v", transitions)
	}
}

func TestRepository_RecordRetryAggregates(t *testing.T) {
	repo := newTestRepo(t)
	repo.StartAttempt("a1")

	for i := 0; i < 3; i++ {
		if err := repo.RecordRetry("a1", "awaiting_payload", "not_yet_ready", "artifact_missing", ""); err != nil {
			t.Fatalf("failed to record retry: %v", err)
		}
	}
	repo.RecordRetry("a1", "awaiting_payload", "trigger_failed", "install_trigger_failed", "disk full")

	retries, err := repo.ListRetries("a1")
	if err != nil {
		t.Fatalf("failed to list retries: %v", err)
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry rows, got %d", len(retries))
	}
	if retries[0].Reason != "artifact_missing" || retries[0].Count != 3 {
		t.Errorf("first retry = %+v, want artifact_missing x3", retries[0])
	}
	if retries[1].LastError != "disk full" || retries[1].Count != 1 {
		t.Errorf("second retry = %+v", retries[1])
	}
}

func TestRepository_PruneAttempts(t *testing.T) {
	repo := newTestRepo(t)

	for _, id := range []string{"a1", "a2", "a3"} {
		repo.StartAttempt(id)
		repo.RecordTransition(id, "awaiting_readiness", "awaiting_config", false)
		repo.RecordRetry(id, "awaiting_config", "not_yet_ready", "no_descriptor", "")
	}

	removed, err := repo.PruneAttempts(context.Background(), 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	attempts, _ := repo.ListAttempts(0)
	if len(attempts) != 1 || attempts[0].ID != "a3" {
		t.Errorf("remaining attempts = %+v, want only a3", attempts)
	}
	if ts, _ := repo.ListTransitions("a1"); len(ts) != 0 {
		t.Errorf("transitions of pruned attempt survived: %+v", ts)
	}
	if rs, _ := repo.ListRetries("a2"); len(rs) != 0 {
		t.Errorf("retries of pruned attempt survived: %+v", rs)
	}
}
