package confloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run() did not stop after cancel")
		}
	})
	// Give the loop time to start.
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_Watch_NonexistentDir(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.watcher.Close()

	if err := w.Watch("/nonexistent/dir/config.yaml"); err == nil {
		t.Error("Watch() should fail for a nonexistent directory")
	}
}

func TestWatcher_FileChange(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configFile, []byte("environment: test"), 0600); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(WithDebounce(100 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(configFile); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	changed := make(chan string, 10)
	w.OnChange(func(path string) { changed <- path })
	startWatcher(t, w)

	// Writes to a sibling file are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0600); err != nil {
		t.Fatal(err)
	}
	// Several quick writes collapse into one callback.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(configFile, []byte("environment: demo"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case path := <-changed:
		if filepath.Base(path) != "config.yaml" {
			t.Errorf("callback path = %q", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange() callback was not triggered within timeout")
	}

	select {
	case path := <-changed:
		t.Errorf("unexpected extra callback for %q", path)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_FileCreate(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")

	w, err := NewWatcher(WithDebounce(0))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(configFile); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	changed := make(chan string, 10)
	w.OnChange(func(path string) { changed <- path })
	startWatcher(t, w)

	if err := os.WriteFile(configFile, []byte("environment: prod"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange() callback was not triggered on create")
	}
}
