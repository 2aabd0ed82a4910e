package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write pipeline: %v", err)
		}
	}
	write("name: first\njobs:\n  - id: a\n    run: echo a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan string, 4)
	w := NewWatcher(nil).WithDelay(20 * time.Millisecond)
	err := w.Watch(ctx, path, func(_ context.Context, def *Definition) error {
		reloaded <- def.Name
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Invalid edits are skipped, and other files in the directory are ignored.
	write("name: broken\n")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("failed to write notes: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case name := <-reloaded:
		t.Fatalf("Expected no reload for invalid pipeline, got: %s", name)
	default:
	}

	write("name: second\njobs:\n  - id: a\n    run: echo b\n")
	select {
	case name := <-reloaded:
		if name != "second" {
			t.Errorf("Expected reloaded pipeline second, got: %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}

func TestWatcherStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte("name: x\njobs:\n  - id: a\n    run: echo a\n"), 0o600); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan struct{}, 1)
	w := NewWatcher(nil).WithDelay(10 * time.Millisecond)
	if err := w.Watch(ctx, path, func(context.Context, *Definition) error {
		reloaded <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("name: y\njobs:\n  - id: a\n    run: echo a\n"), 0o600); err != nil {
		t.Fatalf("failed to write pipeline: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("Expected no reload after cancellation")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	w := NewWatcher(nil)
	if err := w.Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "pipeline.yaml"), nil); err == nil {
		t.Fatal("Expected error watching a missing directory")
	}
}
