package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, maxSize int64) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, maxSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestWriteAndReadEntries(t *testing.T) {
	l, path := newTestLogger(t, 0)

	err := l.WriteEntry(&AuditEntry{
		EventType: string(EventStepSucceeded),
		RunID:     "run-1",
		StepID:    "step-1",
		Details:   map[string]any{"output_key": "summary"},
	})
	if err != nil {
		t.Fatal(err)
	}
	err = l.WriteEntry(&AuditEntry{
		EventType: string(EventRunFinished),
		RunID:     "run-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].EventType != string(EventStepSucceeded) || entries[0].StepID != "step-1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not stamped on write")
	}
	if entries[1].EventType != string(EventRunFinished) {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestRecordFromBusEvent(t *testing.T) {
	l, path := newTestLogger(t, 0)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := l.Record(Event{
		Type:      EventBranchAbandoned,
		Timestamp: at,
		RunID:     "run-2",
		StepID:    "step-9",
		Data:      map[string]any{"skipped": 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !entries[0].Timestamp.Equal(at) {
		t.Errorf("timestamp rewritten: %v", entries[0].Timestamp)
	}
	if entries[0].RunID != "run-2" || entries[0].StepID != "step-9" {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestRotation(t *testing.T) {
	// Small cap so the second entry forces a rotation.
	l, path := newTestLogger(t, 150)

	for i := 0; i < 3; i++ {
		err := l.WriteEntry(&AuditEntry{
			EventType: string(EventStepDispatched),
			RunID:     "run-1",
			Details:   map[string]any{"padding": "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	archives, err := os.ReadDir(filepath.Join(filepath.Dir(path), archiveDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) == 0 {
		t.Fatal("no archived log files after exceeding size cap")
	}

	// Current file still appendable and readable.
	if err := l.WriteEntry(&AuditEntry{EventType: string(EventRunFinished)}); err != nil {
		t.Fatal(err)
	}
	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Error("current log empty after rotation")
	}
}

func TestSizeTracksWrites(t *testing.T) {
	l, _ := newTestLogger(t, 0)

	if l.Size() != 0 {
		t.Fatalf("fresh log size = %d", l.Size())
	}
	if err := l.WriteEntry(&AuditEntry{EventType: "x"}); err != nil {
		t.Fatal(err)
	}
	if l.Size() == 0 {
		t.Error("size not updated after write")
	}
}
