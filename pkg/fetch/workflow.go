// Package fetch downloads remote payload artifacts into the local cache
// with a durable workflow: check the artifact record, download, verify
// size and digest, then move the file into place and mark it ready. The
// installer only ever sees the finished file.
package fetch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/superfly/fsm"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/metrics"
	"github.com/xam-io/kioskd/pkg/payload"
)

// Register registers the artifact fetch workflow
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ArtifactRequest, ArtifactResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ArtifactRequest, ArtifactResponse](manager, "artifact-fetch").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateDownload, m.handleDownload).
		To(StateVerify, m.handleVerify).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// RunFunc runs one fetch to completion.
type RunFunc func(ctx context.Context, req *ArtifactRequest) (*ArtifactResponse, error)

// Runner returns a RunFunc that starts the workflow and waits for it.
func Runner(manager *fsm.Manager, start fsm.Start[ArtifactRequest, ArtifactResponse]) RunFunc {
	return func(ctx context.Context, req *ArtifactRequest) (*ArtifactResponse, error) {
		resp := &ArtifactResponse{}
		runID := "fetch-" + uuid.NewString()

		version, err := start(ctx, runID, fsm.NewRequest(req, resp))
		if err != nil {
			return nil, errors.Wrap(err, "FSM start failed")
		}
		slog.Info("fsm_started", "run_id", runID, "locator", req.Locator, "version", version)

		if err := manager.Wait(ctx, version); err != nil {
			return resp, errors.Wrap(err, "FSM execution failed")
		}
		return resp, nil
	}
}

// Fetcher runs fetches in the background on behalf of the payload
// installer. At most one fetch per locator is in flight.
type Fetcher struct {
	ctx context.Context
	run RunFunc

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewFetcher creates a Fetcher whose fetches stop when ctx is cancelled.
func NewFetcher(ctx context.Context, run RunFunc) *Fetcher {
	return &Fetcher{ctx: ctx, run: run, inflight: make(map[string]bool)}
}

// TriggerFetch starts downloading a into its cache path. It returns once
// the fetch is started.
func (f *Fetcher) TriggerFetch(a payload.Artifact) error {
	if a.Remote == nil {
		return errors.New("artifact has no remote object")
	}
	if err := f.ctx.Err(); err != nil {
		return errors.Wrap(err, "fetcher stopped")
	}

	f.mu.Lock()
	if f.inflight[a.Locator] {
		f.mu.Unlock()
		slog.Info("fetch_already_running", "locator", a.Locator)
		return nil
	}
	f.inflight[a.Locator] = true
	f.mu.Unlock()

	req := &ArtifactRequest{
		Locator:   a.Locator,
		Bucket:    a.Remote.Bucket,
		Key:       a.Remote.Key,
		LocalPath: a.Path,
		SHA256:    a.SHA256,
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.inflight, a.Locator)
			f.mu.Unlock()
		}()

		if _, err := f.run(f.ctx, req); err != nil {
			metrics.RecordFetch("failed")
			slog.Error("fetch_failed", "locator", a.Locator, "error", err)
			return
		}
		metrics.RecordFetch("ready")
		slog.Info("fetch_complete", "locator", a.Locator, "path", a.Path)
	}()
	return nil
}

// Fetching reports whether a fetch for locator is still running.
func (f *Fetcher) Fetching(locator string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[locator]
}

// Wait blocks until every started fetch has returned.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}
