package taskstore

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/randyvpcode/task-manager/domain"
	"github.com/randyvpcode/task-manager/storage"
)

func newOfflineStore(t *testing.T) *TaskStore {
	t.Helper()
	ts := New(Config{Name: "tasks"}, storage.Options{
		DataDir:      t.TempDir(),
		PullInterval: -1,
		Logger:       log.New(),
	})
	if err := ts.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { ts.Deinitialize(context.Background()) })
	return ts
}

func TestModelAccessors(t *testing.T) {
	ts := New(Config{Name: "tasks", URLRemote: "https://acct.table.core.windows.net", Username: "acct", Password: "key"}, storage.Options{})
	if ts.Name() != "tasks" || ts.URLRemote() != "https://acct.table.core.windows.net" {
		t.Fatalf("unexpected model %q %q", ts.Name(), ts.URLRemote())
	}
	if auth := ts.OptionsRemote().Auth; auth.Username != "acct" || auth.Password != "key" {
		t.Fatalf("unexpected auth %#v", auth)
	}
	ts.SetName("other")
	ts.SetName("archive")
	if ts.Name() != "archive" {
		t.Fatalf("SetName not applied: %q", ts.Name())
	}
}

func TestSortDataNewestFirst(t *testing.T) {
	docs := []storage.Document{
		{ID: "a", CreatedAt: 1},
		{ID: "c", CreatedAt: 3},
		{ID: "b", CreatedAt: 2},
		{ID: "d", CreatedAt: 3},
	}
	(&TaskStore{}).SortData(docs)
	want := []string{"d", "c", "b", "a"}
	for i, id := range want {
		if docs[i].ID != id {
			t.Fatalf("position %d = %s, want %s (%v)", i, docs[i].ID, id, docs)
		}
	}
}

func TestAddItemAppliesDefaults(t *testing.T) {
	ts := newOfflineStore(t)

	task, err := ts.AddItem(context.Background(), domain.NewTask{Content: "  Buy milk "})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if task.ID == "" || task.Content != "Buy milk" || task.Tag != domain.DefaultTag || task.IsDone {
		t.Fatalf("unexpected task %#v", task)
	}
	if task.CreatedAt.IsZero() {
		t.Fatal("createdAt not assigned")
	}

	data := ts.Data()
	if len(data) != 1 || data[0] != task {
		t.Fatalf("unexpected data %#v", data)
	}
}

func TestAddItemRejectsEmptyContent(t *testing.T) {
	ts := newOfflineStore(t)

	if _, err := ts.AddItem(context.Background(), domain.NewTask{Content: "   "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(ts.Data()) != 0 || ts.Pending() != 0 {
		t.Fatal("empty task reached the store")
	}
}

func TestEditAndDelete(t *testing.T) {
	ts := newOfflineStore(t)
	ctx := context.Background()

	task, err := ts.AddItem(ctx, domain.NewTask{Content: "Buy milk"})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	edited, err := ts.EditItem(ctx, task.ID, domain.TaskPatch{Content: domain.StringPtr("Buy oat milk")})
	if err != nil {
		t.Fatalf("EditItem: %v", err)
	}
	if edited.Content != "Buy oat milk" || edited.Tag != domain.DefaultTag || !edited.CreatedAt.Equal(task.CreatedAt) {
		t.Fatalf("unexpected edit %#v", edited)
	}
	if !edited.UpdatedAt.After(task.UpdatedAt) {
		t.Fatalf("updatedAt not advanced: %v <= %v", edited.UpdatedAt, task.UpdatedAt)
	}

	if _, err := ts.EditItem(ctx, task.ID, domain.TaskPatch{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty patch = %v", err)
	}
	if _, err := ts.EditItem(ctx, "missing", domain.TaskPatch{IsDone: domain.BoolPtr(true)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("edit missing = %v", err)
	}

	if err := ts.DeleteItem(ctx, task.ID); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if len(ts.Data()) != 0 {
		t.Fatalf("task still present: %#v", ts.Data())
	}
}

func TestSubscribeDeliversTypedChanges(t *testing.T) {
	ts := newOfflineStore(t)
	changes, cancel := ts.Subscribe()
	defer cancel()

	task, err := ts.AddItem(context.Background(), domain.NewTask{Content: "Sync log"})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	select {
	case change := <-changes:
		if change.Kind != storage.ChangeAdded || change.Task.ID != task.ID || change.Task.Content != "Sync log" || change.Remote {
			t.Fatalf("unexpected change %#v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}
