package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xam-io/kioskd/pkg/errors"
)

func TestCheckEntryName(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 1024, MaxCompressionRatio: 10})

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"nodeapp/bin/nodeapp", false},
		{"manifest.json", false},
		{"dir/../file.txt", false},
		{"..data/file", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../../etc/passwd", true},
		{"", true},
	}

	for _, tt := range tests {
		err := v.CheckEntryName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for entry %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for entry %q: %v", tt.name, err)
		}
	}
}

func TestCheckSymlink(t *testing.T) {
	v := NewValidator(DefaultLimits())

	tests := []struct {
		entry, target string
		shouldErr     bool
	}{
		{"bin/current", "nodeapp-1.2", false},
		{"share/conf.d/app", "../conf.avail/app", false},
		{"bin/sh", "/usr/bin/dash", true},
		{"link", "../../etc/shadow", true},
		{"a/b/link", "../../../outside", true},
	}

	for _, tt := range tests {
		err := v.CheckSymlink(tt.entry, tt.target)
		if (err != nil) != tt.shouldErr {
			t.Errorf("CheckSymlink(%q, %q) error = %v, shouldErr %v", tt.entry, tt.target, err, tt.shouldErr)
		}
	}
}

func TestCheckEntrySize(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 100, MaxTotalSize: 1000, MaxCompressionRatio: 10})

	if err := v.CheckEntrySize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}
	if err := v.CheckEntrySize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestAccountAndRatio(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10})

	if err := v.Account(400); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.CheckRatio(40); err != nil {
		t.Errorf("ratio 10 should pass: %v", err)
	}
	if err := v.CheckRatio(20); err == nil {
		t.Error("expected error for ratio 20 exceeding 10")
	}
	if err := v.Account(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}

	v.Reset()
	if v.Extracted() != 0 {
		t.Errorf("Reset should clear the running total, got %d", v.Extracted())
	}
}

func TestVerifySHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.tar")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	const abc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

	if err := VerifySHA256(path, abc); err != nil {
		t.Errorf("expected digest to match: %v", err)
	}
	if err := VerifySHA256(path, ""); err != nil {
		t.Errorf("empty digest should pass: %v", err)
	}
	err := VerifySHA256(path, "00"+abc[2:])
	if err == nil || !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestCheckArtifactSize(t *testing.T) {
	if err := CheckArtifactSize(10, 0); err != nil {
		t.Errorf("zero max disables the check: %v", err)
	}
	if err := CheckArtifactSize(11, 10); err == nil {
		t.Error("expected error above max")
	}
}
