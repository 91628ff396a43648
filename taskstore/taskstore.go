// Package taskstore binds the generic document store to task records: it
// names the local database, points it at the remote and orders the
// snapshot newest first.
package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/randyvpcode/task-manager/domain"
	"github.com/randyvpcode/task-manager/storage"
)

// Config identifies the database and its remote replica.
type Config struct {
	Name      string
	URLRemote string
	Username  string
	Password  string
}

// TaskChange is a typed entry of the change feed.
type TaskChange struct {
	Kind   storage.ChangeKind
	Task   domain.Task
	Remote bool
}

// TaskStore implements storage.Model for task documents.
type TaskStore struct {
	mu   sync.RWMutex
	name string
	url  string
	auth storage.RemoteAuth

	store *storage.Store
}

// New builds a task store. Remote bodies are checked against the task schema
// unless opts already carries a validator.
func New(cfg Config, opts storage.Options) *TaskStore {
	if opts.Validate == nil {
		opts.Validate = domain.ValidateBody
	}
	ts := &TaskStore{
		name: cfg.Name,
		url:  cfg.URLRemote,
		auth: storage.RemoteAuth{Username: cfg.Username, Password: cfg.Password},
	}
	ts.store = storage.New(ts, opts)
	return ts
}

// SetName sets the local database identifier used by the next Initialize.
func (ts *TaskStore) SetName(name string) {
	ts.mu.Lock()
	ts.name = name
	ts.mu.Unlock()
}

func (ts *TaskStore) Name() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.name
}

func (ts *TaskStore) URLRemote() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.url
}

func (ts *TaskStore) OptionsRemote() storage.RemoteOptions {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return storage.RemoteOptions{Auth: ts.auth}
}

// SortData orders documents by creation time, newest first.
func (ts *TaskStore) SortData(docs []storage.Document) {
	sortDocuments(docs)
}

func (ts *TaskStore) Initialize(ctx context.Context) error   { return ts.store.Initialize(ctx) }
func (ts *TaskStore) Deinitialize(ctx context.Context) error { return ts.store.Deinitialize(ctx) }
func (ts *TaskStore) IsInitialized() bool                    { return ts.store.IsInitialized() }
func (ts *TaskStore) Upload(ctx context.Context) error       { return ts.store.Upload(ctx) }
func (ts *TaskStore) Pull(ctx context.Context) error         { return ts.store.Pull(ctx) }
func (ts *TaskStore) Pending() int                           { return ts.store.Pending() }

// Data returns the current snapshot as tasks.
func (ts *TaskStore) Data() []domain.Task {
	docs := ts.store.Data()
	tasks := make([]domain.Task, len(docs))
	for i, doc := range docs {
		tasks[i] = toTask(doc)
	}
	return tasks
}

// AddItem validates t, applies defaults and stores it.
func (ts *TaskStore) AddItem(ctx context.Context, t domain.NewTask) (domain.Task, error) {
	t = t.Normalize()
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	doc, err := ts.store.AddItem(ctx, t.Fields())
	if err != nil {
		return domain.Task{}, fmt.Errorf("add task: %w", err)
	}
	return toTask(doc), nil
}

// EditItem merges patch into task id.
func (ts *TaskStore) EditItem(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	doc, err := ts.store.EditItem(ctx, id, patch.Fields())
	if err != nil {
		return domain.Task{}, fmt.Errorf("edit task %s: %w", id, err)
	}
	return toTask(doc), nil
}

// DeleteItem removes task id.
func (ts *TaskStore) DeleteItem(ctx context.Context, id string) error {
	if err := ts.store.DeleteItem(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Subscribe returns the typed change feed and its cancel function.
func (ts *TaskStore) Subscribe() (<-chan TaskChange, func()) {
	changes, cancel := ts.store.Subscribe()
	out := make(chan TaskChange, cap(changes))
	go func() {
		defer close(out)
		for change := range changes {
			select {
			case out <- TaskChange{Kind: change.Kind, Task: toTask(change.Doc), Remote: change.Remote}:
			default:
			}
		}
	}()
	return out, cancel
}

func toTask(doc storage.Document) domain.Task {
	return domain.FromFields(doc.ID, doc.CreatedAt, doc.Rev, doc.Body)
}

func sortDocuments(docs []storage.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return domain.Newer(docs[i].CreatedAt, docs[i].ID, docs[j].CreatedAt, docs[j].ID)
	})
}
