package fetch

// ArtifactRequest is the workflow input
type ArtifactRequest struct {
	Locator   string
	Bucket    string
	Key       string
	LocalPath string
	// SHA256 is the digest the descriptor pins, if any.
	SHA256 string
}

// ArtifactResponse is the workflow output (accumulated across transitions)
type ArtifactResponse struct {
	// From CheckDB
	ArtifactID int64

	// From Download
	SHA256    string
	LocalPath string
	Size      int64

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateDownload = "download"
	StateVerify   = "verify"
	StateComplete = "complete"
	StateFailed   = "failed"
)
