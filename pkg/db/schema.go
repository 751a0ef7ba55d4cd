package db

// Schema defines the SQLite database schema for the provisioning journal
// and the remote artifact cache. Journal rows are written for operators
// only; the orchestrator never reads them back.
const Schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    boot_outcome TEXT NOT NULL DEFAULT '',
    final_stage TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_started_at ON attempts(started_at);

CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
    from_stage TEXT NOT NULL,
    to_stage TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transitions_attempt ON transitions(attempt_id);

CREATE TABLE IF NOT EXISTS stage_retries (
    attempt_id TEXT NOT NULL REFERENCES attempts(id) ON DELETE CASCADE,
    stage TEXT NOT NULL,
    kind TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (attempt_id, stage, kind, reason)
);

CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    locator TEXT NOT NULL UNIQUE,
    local_path TEXT NOT NULL,
    sha256 TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'ready', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);
`

// Artifact status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusFailed      = "failed"
)

// Attempt is one provisioning attempt, i.e. one orchestrator Start.
type Attempt struct {
	ID          string
	BootOutcome string
	FinalStage  string
	StartedAt   string
	FinishedAt  string
}

// Transition records a stage change within an attempt.
type Transition struct {
	ID        int64
	AttemptID string
	From      string
	To        string
	CreatedAt string
}

// Retry aggregates identical re-checks of a stage.
type Retry struct {
	AttemptID string
	Stage     string
	Kind      string
	Reason    string
	Count     int
	LastError string
	UpdatedAt string
}

// Artifact represents a remote payload artifact cached on local storage.
type Artifact struct {
	ID           int64
	Locator      string
	LocalPath    string
	SHA256       string
	Size         int64
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
