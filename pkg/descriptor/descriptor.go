// Package descriptor loads the provisioning descriptor: the small JSON
// document an operator delivers to the device naming the target network
// and the payload artifact.
//
//	{"ssid": "Office_WiFi", "nodeapp_apk_path": "NodeApp.apk"}
package descriptor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/network"
	"github.com/xam-io/kioskd/pkg/outcome"
)

// MaxSize bounds how much of the descriptor file is read.
const MaxSize = 64 * 1024

var (
	// ErrNotFound is attached to the outcome when no descriptor exists yet.
	ErrNotFound = errors.New("descriptor not found")
	// ErrMissingPayload is returned when nodeapp_apk_path is absent or blank.
	ErrMissingPayload = errors.New("nodeapp_apk_path is required")
)

// Descriptor is an immutable provisioning document.
type Descriptor struct {
	NetworkName    string
	PSK            string
	PayloadLocator string
	PayloadSHA256  string
}

// document mirrors the on-disk keys.
type document struct {
	SSID          *string `json:"ssid"`
	PSK           *string `json:"psk"`
	NodeAppPath   *string `json:"nodeapp_apk_path"`
	NodeAppSHA256 *string `json:"nodeapp_apk_sha256"`
}

// Target returns the network to join, or false when the network stage
// should be skipped.
func (d *Descriptor) Target() (network.Target, bool) {
	if d == nil || d.NetworkName == "" {
		return network.Target{}, false
	}
	return network.NewTarget(d.NetworkName, d.PSK), true
}

// Parse decodes and validates descriptor bytes. Comments and trailing
// commas are tolerated.
func Parse(data []byte) (*Descriptor, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, errors.Wrap(err, "malformed descriptor")
	}

	d := &Descriptor{
		NetworkName:    trimmed(doc.SSID),
		PSK:            deref(doc.PSK),
		PayloadLocator: trimmed(doc.NodeAppPath),
		PayloadSHA256:  strings.ToLower(trimmed(doc.NodeAppSHA256)),
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks required fields.
func (d *Descriptor) Validate() error {
	if d.PayloadLocator == "" {
		return ErrMissingPayload
	}
	if d.PayloadSHA256 != "" && len(d.PayloadSHA256) != 64 {
		return fmt.Errorf("nodeapp_apk_sha256 must be 64 hex characters, got %d", len(d.PayloadSHA256))
	}
	return nil
}

// Store reads the descriptor from one well-known path.
type Store struct {
	path string
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the descriptor location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the descriptor from scratch. A missing file and an invalid
// file both yield a NotYetReady outcome; neither panics nor is cached.
func (s *Store) Load() (d *Descriptor, o outcome.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("descriptor_load_panic", "path", s.path, "panic", r)
			d, o = nil, outcome.Invalid(fmt.Errorf("descriptor load panic: %v", r))
		}
	}()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		slog.Info("descriptor_not_found", "path", s.path)
		return nil, outcome.Outcome{Kind: outcome.NotYetReady, Reason: "not_found", Err: ErrNotFound}
	}
	if err != nil {
		slog.Warn("descriptor_open_failed", "path", s.path, "error", err)
		return nil, outcome.Invalid(errors.Wrap(err, "failed to open descriptor"))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxSize+1))
	if err != nil {
		slog.Warn("descriptor_read_failed", "path", s.path, "error", err)
		return nil, outcome.Invalid(errors.Wrap(err, "failed to read descriptor"))
	}
	if len(data) > MaxSize {
		slog.Warn("descriptor_too_large", "path", s.path, "max_bytes", MaxSize)
		return nil, outcome.Invalid(fmt.Errorf("descriptor exceeds %d bytes", MaxSize))
	}

	d, err = Parse(data)
	if err != nil {
		slog.Warn("descriptor_invalid", "path", s.path, "error", err)
		return nil, outcome.Invalid(err)
	}

	slog.Info("descriptor_loaded", "path", s.path, "ssid", d.NetworkName, "payload", d.PayloadLocator)
	return d, outcome.OK("loaded")
}

func trimmed(s *string) string {
	return strings.TrimSpace(deref(s))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
