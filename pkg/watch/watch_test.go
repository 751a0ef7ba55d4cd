package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock/testclock"
)

func TestWatcher_NudgesOnDescriptorWrite(t *testing.T) {
	dir := t.TempDir()
	nudged := make(chan struct{}, 16)

	w, err := New(nil, 0, func() { nudged <- struct{}{} })
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := w.AddFile(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-nudged:
		t.Fatal("nudged for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-nudged:
	case <-time.After(5 * time.Second):
		t.Fatal("no nudge after descriptor write")
	}
}

func TestWatcher_AddMissingDir(t *testing.T) {
	w, err := New(nil, 0, func() {})
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()

	if err := w.AddDir(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error watching a missing directory")
	}
}

func TestWatcher_Debounce(t *testing.T) {
	dir := t.TempDir()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	nudged := make(chan struct{}, 16)

	w, err := New(clk, time.Second, func() { nudged <- struct{}{} })
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer w.Close()
	if err := w.AddDir(dir); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		w.handle(fsnotify.Event{Name: filepath.Join(dir, "payload.tar"), Op: fsnotify.Write})
	}
	w.handle(fsnotify.Event{Name: filepath.Join(dir, "payload.tar"), Op: fsnotify.Chmod})

	clk.Advance(time.Second)
	select {
	case <-nudged:
	case <-time.After(5 * time.Second):
		t.Fatal("debounced nudge never fired")
	}
	select {
	case <-nudged:
		t.Fatal("burst produced more than one nudge")
	case <-time.After(100 * time.Millisecond):
	}

	// The window reopens after firing.
	w.handle(fsnotify.Event{Name: filepath.Join(dir, "payload.tar"), Op: fsnotify.Create})
	clk.Advance(time.Second)
	select {
	case <-nudged:
	case <-time.After(5 * time.Second):
		t.Fatal("second window never fired")
	}
}
