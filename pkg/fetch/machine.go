package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/superfly/fsm"
	"github.com/xam-io/kioskd/pkg/db"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/security"
	"github.com/xam-io/kioskd/pkg/storage"
)

// Downloader fetches one object into a local file.
type Downloader interface {
	Download(ctx context.Context, obj storage.Object, localPath string) (*storage.DownloadResult, error)
}

// Machine holds dependencies for workflow transitions
type Machine struct {
	repo       *db.Repository
	downloader Downloader
	maxSize    int64
	maxRetries int
}

// NewMachine creates a new workflow machine. maxSize of 0 disables the
// artifact size check.
func NewMachine(repo *db.Repository, downloader Downloader, maxSize int64, maxRetries int) *Machine {
	return &Machine{
		repo:       repo,
		downloader: downloader,
		maxSize:    maxSize,
		maxRetries: maxRetries,
	}
}

func (m *Machine) retriesExceeded(ctx context.Context, locator string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "locator", locator, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// handleCheckDB looks the artifact up so a cached, verified copy is not
// downloaded again.
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	slog.Info("fsm_state_check_db", "locator", req.Msg.Locator)

	if err := m.retriesExceeded(ctx, req.Msg.Locator); err != nil {
		return nil, err
	}

	art, err := m.repo.GetArtifact(req.Msg.Locator)
	if err != nil {
		slog.Error("database_check_failed", "locator", req.Msg.Locator, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ArtifactResponse{}
	}

	if art != nil {
		resp.ArtifactID = art.ID
		resp.SHA256 = art.SHA256
		resp.Size = art.Size
		resp.LocalPath = art.LocalPath
		resp.Status = art.Status

		if art.Status == db.StatusReady && art.LocalPath == req.Msg.LocalPath && m.cached(art, req.Msg.SHA256) {
			slog.Info("artifact_already_ready", "locator", req.Msg.Locator, "artifact_id", art.ID)
			return fsm.NewResponse(resp), nil
		}

		// Stale or unfinished record: start over.
		resp.Status = db.StatusPending
		art.LocalPath = req.Msg.LocalPath
		art.Status = db.StatusPending
		art.ErrorMessage = ""
		if err := m.repo.UpdateArtifact(art); err != nil {
			return nil, errors.Wrap(err, "failed to reset artifact record")
		}
		slog.Info("artifact_found_continue_processing", "locator", req.Msg.Locator, "artifact_id", art.ID)
		return fsm.NewResponse(resp), nil
	}

	art = &db.Artifact{
		Locator:   req.Msg.Locator,
		LocalPath: req.Msg.LocalPath,
		Status:    db.StatusPending,
	}
	if err := m.repo.CreateArtifact(art); err != nil {
		slog.Error("create_artifact_failed", "locator", req.Msg.Locator, "error", err)
		return nil, errors.Wrap(err, "failed to create artifact record")
	}
	resp.ArtifactID = art.ID
	resp.Status = db.StatusPending
	slog.Info("artifact_created", "locator", req.Msg.Locator, "artifact_id", art.ID)

	return fsm.NewResponse(resp), nil
}

// cached reports whether the file behind a ready record is still intact.
func (m *Machine) cached(art *db.Artifact, want string) bool {
	if want == "" {
		want = art.SHA256
	}
	if err := security.VerifySHA256(art.LocalPath, want); err != nil {
		slog.Info("artifact_cache_invalid", "locator", art.Locator, "path", art.LocalPath, "error", err)
		return false
	}
	return true
}

// partialPath is where a download lands until it has been verified.
func partialPath(localPath string) string {
	return localPath + ".partial"
}

// handleDownload fetches the object next to its cache path.
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	slog.Info("fsm_state_download", "locator", req.Msg.Locator)

	if err := m.retriesExceeded(ctx, req.Msg.Locator); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	if err := m.repo.UpdateArtifactStatus(resp.ArtifactID, db.StatusDownloading, ""); err != nil {
		slog.Error("status_update_failed", "artifact_id", resp.ArtifactID, "status", db.StatusDownloading, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}

	obj := storage.Object{Bucket: req.Msg.Bucket, Key: req.Msg.Key}
	result, err := m.downloader.Download(ctx, obj, partialPath(req.Msg.LocalPath))
	if err != nil {
		// Plain error: the workflow engine retries the state.
		slog.Error("download_failed", "locator", req.Msg.Locator, "error", err)
		return nil, errors.Wrap(err, "failed to download artifact")
	}

	resp.SHA256 = result.SHA256
	resp.LocalPath = result.LocalPath
	resp.Size = result.Size
	resp.Status = db.StatusDownloading

	return fsm.NewResponse(resp), nil
}

// handleVerify enforces the size limit and the pinned digest. A rejected
// artifact is removed from the cache so it is never installed.
func (m *Machine) handleVerify(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	slog.Info("fsm_state_verify", "locator", req.Msg.Locator)

	if err := m.retriesExceeded(ctx, req.Msg.Locator); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Status == db.StatusReady {
		return fsm.NewResponse(resp), nil
	}

	if err := security.CheckArtifactSize(resp.Size, m.maxSize); err != nil {
		return nil, m.reject(req.Msg, resp, err)
	}
	if req.Msg.SHA256 != "" && !strings.EqualFold(resp.SHA256, req.Msg.SHA256) {
		err := errors.Wrapf(security.ErrChecksumMismatch, "got %s, want %s", resp.SHA256, req.Msg.SHA256)
		return nil, m.reject(req.Msg, resp, err)
	}

	art := &db.Artifact{
		ID:        resp.ArtifactID,
		LocalPath: req.Msg.LocalPath,
		SHA256:    resp.SHA256,
		Size:      resp.Size,
		Status:    db.StatusDownloading,
	}
	if err := m.repo.UpdateArtifact(art); err != nil {
		slog.Error("artifact_update_failed", "artifact_id", resp.ArtifactID, "error", err)
		return nil, errors.Wrap(err, "failed to update artifact")
	}

	return fsm.NewResponse(resp), nil
}

func (m *Machine) reject(req *ArtifactRequest, resp *ArtifactResponse, cause error) error {
	slog.Error("artifact_rejected", "locator", req.Locator, "size", resp.Size, "error", cause)
	if err := os.Remove(resp.LocalPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("artifact_remove_failed", "path", resp.LocalPath, "error", err)
	}
	resp.Status = db.StatusFailed
	resp.ErrorMessage = cause.Error()
	m.repo.UpdateArtifactStatus(resp.ArtifactID, db.StatusFailed, cause.Error())
	return fsm.Abort(cause)
}

// handleComplete moves the verified file into its cache path and marks the
// artifact ready for install.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	slog.Info("fsm_state_complete", "locator", req.Msg.Locator)

	if err := m.retriesExceeded(ctx, req.Msg.Locator); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if resp.LocalPath != req.Msg.LocalPath {
		if err := os.Rename(resp.LocalPath, req.Msg.LocalPath); err != nil {
			slog.Error("artifact_move_failed", "from", resp.LocalPath, "to", req.Msg.LocalPath, "error", err)
			return nil, errors.Wrap(err, "failed to move artifact into cache")
		}
		resp.LocalPath = req.Msg.LocalPath
	}

	if err := m.repo.UpdateArtifactStatus(resp.ArtifactID, db.StatusReady, ""); err != nil {
		slog.Error("status_update_failed", "artifact_id", resp.ArtifactID, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = db.StatusReady

	slog.Info("fsm_complete", "locator", req.Msg.Locator, "status", db.StatusReady)
	return fsm.NewResponse(resp), nil
}
