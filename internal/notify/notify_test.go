package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	if err := w.Notify("stored", "abc123def456"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".event" {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 1)

	watcher := NewEventWatcher(dir, func(e Event) { received <- e })
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewEventWriter(dir)
	if err := writer.Notify("stored", "feedface0123"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Type != "stored" {
			t.Errorf("expected event type stored, got %s", e.Type)
		}
		if e.ContentHash != "feedface0123" {
			t.Errorf("expected feedface0123, got %s", e.ContentHash)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEventWatcherSweepsExistingInOrder(t *testing.T) {
	dir := t.TempDir()

	// Write events BEFORE starting the watcher. Filenames carry the
	// write-time nanosecond stamp, so the sweep must deliver oldest
	// first.
	writer := NewEventWriter(dir)
	_ = writer.Notify("stored", "first")
	_ = writer.Notify("deleted", "second")

	received := make(chan Event, 10)
	watcher := NewEventWatcher(dir, func(e Event) { received <- e })
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// The sweep runs synchronously inside Start.
	if len(received) != 2 {
		t.Fatalf("expected 2 swept events, got %d", len(received))
	}
	if e := <-received; e.ContentHash != "first" {
		t.Errorf("expected first event swept first, got %s", e.ContentHash)
	}
	if e := <-received; e.ContentHash != "second" {
		t.Errorf("expected second event swept second, got %s", e.ContentHash)
	}
}

func TestEventWatcherDeliversHashlessEvents(t *testing.T) {
	dir := t.TempDir()

	// sync_completed and consolidation_completed carry no content hash;
	// they must still reach the handler.
	writer := NewEventWriter(dir)
	_ = writer.Notify("sync_completed", "")

	received := make(chan Event, 1)
	watcher := NewEventWatcher(dir, func(e Event) { received <- e })
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case e := <-received:
		if e.Type != "sync_completed" {
			t.Errorf("expected sync_completed, got %s", e.Type)
		}
		if e.ContentHash != "" {
			t.Errorf("expected empty hash, got %s", e.ContentHash)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for hash-less event")
	}
}

func TestEventWatcherSkipsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	eventsDir := filepath.Join(dir, "events")
	if err := os.MkdirAll(eventsDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(eventsDir, "0-bad.event"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	received := make(chan Event, 1)
	watcher := NewEventWatcher(dir, func(e Event) { received <- e })
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	if len(received) != 0 {
		t.Errorf("malformed file should not be dispatched, got %d events", len(received))
	}
	// The malformed file is consumed, not retried forever.
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("malformed file should have been removed, %d files remain", len(entries))
	}
}

func TestEventTypeRoundTrip(t *testing.T) {
	eventTypes := []string{"stored", "deleted", "sync_completed", "consolidation_completed"}

	for _, evtType := range eventTypes {
		t.Run(evtType, func(t *testing.T) {
			dir := t.TempDir()
			received := make(chan Event, 1)

			watcher := NewEventWatcher(dir, func(e Event) { received <- e })
			if err := watcher.Start(); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			defer watcher.Stop()

			time.Sleep(50 * time.Millisecond)

			writer := NewEventWriter(dir)
			if err := writer.Notify(evtType, "roundtrip01"); err != nil {
				t.Fatalf("Notify failed: %v", err)
			}

			select {
			case e := <-received:
				if e.Type != evtType {
					t.Errorf("expected event type %s, got %s", evtType, e.Type)
				}
				if e.ContentHash != "roundtrip01" {
					t.Errorf("expected roundtrip01, got %s", e.ContentHash)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout waiting for event")
			}
		})
	}
}

func TestSanitizeHash(t *testing.T) {
	got := sanitizeHash("sha256:abc/def")
	if got != "sha256_abc_def" {
		t.Errorf("expected sha256_abc_def, got %s", got)
	}
}
