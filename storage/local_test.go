package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLocal(t *testing.T) *localDB {
	t.Helper()
	l, err := openLocal(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("openLocal: %v", err)
	}
	t.Cleanup(func() { l.close() })
	return l
}

func TestLocalPutKeepsNewestRevision(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	newer := Document{ID: "a", Rev: 20, CreatedAt: 1, Body: map[string]any{"content": "newer"}}
	older := Document{ID: "a", Rev: 10, CreatedAt: 1, Body: map[string]any{"content": "older"}}

	if ok, err := l.put(ctx, newer); err != nil || !ok {
		t.Fatalf("put newer = %v, %v", ok, err)
	}
	if ok, err := l.put(ctx, older); err != nil || ok {
		t.Fatalf("put older = %v, %v; want not applied", ok, err)
	}
	if ok, err := l.put(ctx, newer); err != nil || ok {
		t.Fatalf("put same rev = %v, %v; want not applied", ok, err)
	}

	got, err := l.get(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("get: %v, %v", got, err)
	}
	if got.Rev != 20 || got.Body["content"] != "newer" {
		t.Fatalf("unexpected document %#v", got)
	}
}

func TestLocalListSkipsTombstones(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	l.put(ctx, Document{ID: "live", Rev: 1, CreatedAt: 1, Body: map[string]any{"content": "x"}})
	l.put(ctx, Document{ID: "gone", Rev: 2, CreatedAt: 2, Deleted: true})

	docs, err := l.list(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "live" {
		t.Fatalf("unexpected documents %#v", docs)
	}

	tomb, err := l.get(ctx, "gone")
	if err != nil || tomb == nil || !tomb.Deleted {
		t.Fatalf("tombstone not kept: %#v, %v", tomb, err)
	}
	if missing, err := l.get(ctx, "missing"); err != nil || missing != nil {
		t.Fatalf("get missing = %#v, %v", missing, err)
	}
}

func TestLocalCheckpoint(t *testing.T) {
	l := openTestLocal(t)
	ctx := context.Background()

	if cp, err := l.checkpoint(ctx); err != nil || cp != 0 {
		t.Fatalf("initial checkpoint = %d, %v", cp, err)
	}
	if err := l.setCheckpoint(ctx, 42); err != nil {
		t.Fatalf("setCheckpoint: %v", err)
	}
	if err := l.setCheckpoint(ctx, 99); err != nil {
		t.Fatalf("setCheckpoint: %v", err)
	}
	if cp, err := l.checkpoint(ctx); err != nil || cp != 99 {
		t.Fatalf("checkpoint = %d, %v", cp, err)
	}
}
