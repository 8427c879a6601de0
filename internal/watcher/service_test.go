package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresFiles(t *testing.T) {
	if _, err := New([]string{"", "  "}, discardLogger(), nil); err == nil {
		t.Fatal("expected error without files")
	}
}

func TestHandleEventFiltersTargets(t *testing.T) {
	dir := t.TempDir()
	credentials := filepath.Join(dir, "credentials.json")
	service, err := New([]string{credentials}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer service.watcher.Close()

	var changed []string
	service.onChange = func(_ context.Context, path string) { changed = append(changed, path) }

	service.handleEvent(context.Background(), fsnotify.Event{Name: filepath.Join(dir, "other.json"), Op: fsnotify.Write})
	service.handleEvent(context.Background(), fsnotify.Event{Name: credentials, Op: fsnotify.Chmod})
	service.handleEvent(context.Background(), fsnotify.Event{Name: credentials, Op: fsnotify.Write})
	service.handleEvent(context.Background(), fsnotify.Event{Name: credentials, Op: fsnotify.Create})

	if len(changed) != 2 || changed[0] != credentials {
		t.Fatalf("expected two credential changes, got %v", changed)
	}
}

func TestStartReportsFileWrites(t *testing.T) {
	dir := t.TempDir()
	credentials := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(credentials, []byte(`{"token":"old"}`), 0o600); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}

	changed := make(chan string, 8)
	service, err := New([]string{credentials}, discardLogger(), func(_ context.Context, path string) {
		changed <- path
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("watcher stopped with error: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case path := <-changed:
			if path != credentials {
				t.Fatalf("unexpected path %s", path)
			}
			return
		case <-ticker.C:
			// Keep writing until the watcher has registered the directory.
			_ = os.WriteFile(credentials, []byte(`{"token":"new"}`), 0o600)
		case <-deadline:
			t.Fatal("timed out waiting for change notification")
		}
	}
}
