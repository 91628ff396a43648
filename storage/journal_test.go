package storage

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func appendTestChange(t *testing.T, j *journal, id string) *pendingChange {
	t.Helper()
	rec := &pendingChange{Doc: Document{ID: id, Rev: nextRev(), Body: map[string]any{"content": id}}}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendLocked(rec); err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return rec
}

func TestJournalRecoversUncommittedChanges(t *testing.T) {
	dir := t.TempDir()
	cfg := journalConfig{dir: dir, syncEvery: 1, logger: log.New()}

	j, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fresh journal has %d pending", len(pending))
	}
	first := appendTestChange(t, j, "a")
	appendTestChange(t, j, "b")
	appendTestChange(t, j, "c")

	j.mu.Lock()
	if err := j.commitLocked(first.Offset); err != nil {
		t.Fatalf("commit: %v", err)
	}
	j.mu.Unlock()
	if err := j.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j2, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.close()
	if len(pending) != 2 || pending[0].Doc.ID != "b" || pending[1].Doc.ID != "c" {
		t.Fatalf("unexpected pending %#v", pending)
	}
	if pending[0].Doc.Body["content"] != "b" {
		t.Fatalf("body not recovered: %#v", pending[0].Doc.Body)
	}

	next := appendTestChange(t, j2, "d")
	if next.Offset != 4 {
		t.Fatalf("next offset = %d, want 4", next.Offset)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := journalConfig{dir: dir, syncEvery: 1, logger: log.New()}

	j, _, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	appendTestChange(t, j, "a")
	j.close()

	paths, _ := filepath.Glob(filepath.Join(dir, "changes-*.log"))
	if len(paths) != 1 {
		t.Fatalf("expected one segment, got %v", paths)
	}
	f, err := os.OpenFile(paths[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	f.Write([]byte{0x10, 0x00, 0x00})
	f.Close()

	j2, pending, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.close()
	if len(pending) != 1 || pending[0].Doc.ID != "a" {
		t.Fatalf("unexpected pending %#v", pending)
	}
	info, err := os.Stat(paths[0])
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != pending[0].frameSize {
		t.Fatalf("segment size = %d, want %d", info.Size(), pending[0].frameSize)
	}
}

func TestJournalPrunesDeliveredSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := journalConfig{dir: dir, segmentBytes: 1, syncEvery: 1, logger: log.New()}

	j, _, err := openJournal(cfg)
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer j.close()
	appendTestChange(t, j, "a")
	appendTestChange(t, j, "b")
	last := appendTestChange(t, j, "c")

	j.mu.Lock()
	err = j.commitLocked(last.Offset)
	segments := len(j.segments)
	j.mu.Unlock()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if segments != 1 {
		t.Fatalf("segments after commit = %d, want 1", segments)
	}
	paths, _ := filepath.Glob(filepath.Join(dir, "changes-*.log"))
	if len(paths) != 1 {
		t.Fatalf("segment files after commit = %v", paths)
	}
}
