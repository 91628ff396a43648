// Package view holds the task list screen state and drives the task store
// from user actions. It is independent of any renderer.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/randyvpcode/task-manager/domain"
	"github.com/randyvpcode/task-manager/storage"
	"github.com/randyvpcode/task-manager/taskstore"
)

// Store is the task store contract the view depends on.
type Store interface {
	Initialize(ctx context.Context) error
	Deinitialize(ctx context.Context) error
	IsInitialized() bool
	Data() []domain.Task
	AddItem(ctx context.Context, t domain.NewTask) (domain.Task, error)
	EditItem(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteItem(ctx context.Context, id string) error
	Upload(ctx context.Context) error
	Pending() int
	Subscribe() (<-chan taskstore.TaskChange, func())
}

// Row actions.
const (
	ActionDone   = "done"
	ActionEdit   = "edit"
	ActionDelete = "delete"
	ActionSave   = "save"
	ActionCancel = "cancel"
)

// Level classifies a toast.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Toast is a notification about the outcome of an action.
type Toast struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Row is a task as displayed, with its edit state and available actions.
type Row struct {
	domain.Task
	IsEdit  bool     `json:"isEdit"`
	Actions []string `json:"actions"`
}

// FormEdit is the draft of the row under edit.
type FormEdit struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Tag     string `json:"tag"`
}

// State is a snapshot of the view for renderers.
type State struct {
	Tasks    []Row          `json:"tasks"`
	Total    int            `json:"total"`
	Loading  bool           `json:"loading"`
	Content  string         `json:"content"`
	Filters  domain.Filters `json:"filters"`
	FormEdit FormEdit       `json:"formEdit"`
	Pending  int            `json:"pending"`
}

// View is the task list controller.
type View struct {
	store Store
	log   *log.Logger
	now   func() time.Time

	mu      sync.Mutex
	tasks   []domain.Task
	loading bool
	content string
	filters domain.Filters
	form    FormEdit
	toasts  []Toast

	lmu       sync.Mutex
	listeners map[int]chan struct{}
	nextID    int
}

// New returns a view over store.
func New(store Store, logger *log.Logger) *View {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &View{
		store:     store,
		log:       logger,
		now:       time.Now,
		listeners: make(map[int]chan struct{}),
	}
}

// Load initializes the store when needed and copies its snapshot.
func (v *View) Load(ctx context.Context) error {
	if v.store.IsInitialized() {
		v.mu.Lock()
		v.tasks = v.store.Data()
		v.mu.Unlock()
		v.notify()
		return nil
	}

	v.setLoading(true)
	err := v.store.Initialize(ctx)
	v.mu.Lock()
	if err == nil {
		v.tasks = v.store.Data()
	}
	v.loading = false
	v.mu.Unlock()
	if err != nil {
		return v.fail("load tasks", err)
	}
	v.notify()
	return nil
}

// SetContent updates the new task draft.
func (v *View) SetContent(content string) {
	v.mu.Lock()
	v.content = content
	v.mu.Unlock()
	v.notify()
}

// SetFilters replaces the client side filters.
func (v *View) SetFilters(f domain.Filters) {
	v.mu.Lock()
	v.filters = f
	v.mu.Unlock()
	v.notify()
}

// Add stores the draft as a new task. An empty draft never reaches the store.
func (v *View) Add(ctx context.Context) error {
	v.mu.Lock()
	content := v.content
	v.mu.Unlock()
	return v.add(ctx, content, true)
}

// AddContent adds a task with the given content. The shared draft is left
// untouched, so concurrent callers cannot see each other's input.
func (v *View) AddContent(ctx context.Context, content string) error {
	return v.add(ctx, content, false)
}

func (v *View) add(ctx context.Context, content string, fromDraft bool) error {
	draft := domain.NewTask{Content: content}.Normalize()
	if err := draft.Validate(); err != nil {
		return v.fail("add task", err)
	}

	task, err := v.store.AddItem(ctx, draft)
	if err != nil {
		return v.fail("add task", err)
	}
	v.mu.Lock()
	v.upsertLocked(task)
	// A draft edited while the task was being stored is kept.
	if fromDraft && v.content == content {
		v.content = ""
	}
	v.mu.Unlock()
	v.succeed("Task added")
	return nil
}

// Done marks task id as completed.
func (v *View) Done(ctx context.Context, id string) error {
	task, err := v.store.EditItem(ctx, id, domain.TaskPatch{IsDone: domain.BoolPtr(true)})
	if err != nil {
		return v.fail("complete task", err)
	}
	v.mu.Lock()
	v.upsertLocked(task)
	v.mu.Unlock()
	v.succeed("Task completed")
	return nil
}

// StartEdit puts task id under edit, cancelling any other edit in progress.
func (v *View) StartEdit(id string) error {
	v.mu.Lock()
	task, ok := v.findLocked(id)
	if ok && !task.IsDone {
		v.form = FormEdit{ID: task.ID, Content: task.Content, Tag: task.Tag}
	}
	v.mu.Unlock()
	if !ok {
		return v.fail("edit task", fmt.Errorf("task %s: %w", id, domain.ErrNotFound))
	}
	if task.IsDone {
		return v.fail("edit task", domain.Invalid("Completed tasks cannot be edited"))
	}
	v.notify()
	return nil
}

// SetFormEdit updates the draft of the row under edit.
func (v *View) SetFormEdit(content, tag string) {
	v.mu.Lock()
	if v.form.ID != "" {
		v.form.Content = content
		v.form.Tag = tag
	}
	v.mu.Unlock()
	v.notify()
}

// SaveEdit persists the edit form and leaves edit mode.
func (v *View) SaveEdit(ctx context.Context) error {
	v.mu.Lock()
	form := v.form
	v.mu.Unlock()
	if form.ID == "" {
		return v.fail("save task", domain.Invalid("No task is being edited"))
	}

	patch := domain.TaskPatch{Content: domain.StringPtr(form.Content), Tag: domain.StringPtr(form.Tag)}
	if err := patch.Validate(); err != nil {
		return v.fail("save task", err)
	}
	task, err := v.store.EditItem(ctx, form.ID, patch)
	if err != nil {
		return v.fail("save task", err)
	}
	v.mu.Lock()
	v.upsertLocked(task)
	if v.form.ID == form.ID {
		v.form = FormEdit{}
	}
	v.mu.Unlock()
	v.succeed("Task updated")
	return nil
}

// CancelEdit leaves edit mode for task id without saving.
func (v *View) CancelEdit(id string) {
	v.mu.Lock()
	if v.form.ID == id {
		v.form = FormEdit{}
	}
	v.mu.Unlock()
	v.notify()
}

// Delete removes task id.
func (v *View) Delete(ctx context.Context, id string) error {
	if err := v.store.DeleteItem(ctx, id); err != nil {
		return v.fail("delete task", err)
	}
	v.mu.Lock()
	v.removeLocked(id)
	v.mu.Unlock()
	v.succeed("Task deleted")
	return nil
}

// Sync tears the store down and reloads the full snapshot.
func (v *View) Sync(ctx context.Context) error {
	v.mu.Lock()
	v.loading = true
	v.tasks = nil
	v.form = FormEdit{}
	v.mu.Unlock()
	v.notify()

	err := v.store.Deinitialize(ctx)
	if err == nil {
		err = v.store.Initialize(ctx)
	}
	v.mu.Lock()
	if err == nil {
		v.tasks = v.store.Data()
	}
	v.loading = false
	v.mu.Unlock()
	if err != nil {
		return v.fail("sync", err)
	}
	v.succeed("Tasks synchronized")
	return nil
}

// SendUpdate pushes pending local changes to the remote now.
func (v *View) SendUpdate(ctx context.Context) error {
	if err := v.store.Upload(ctx); err != nil {
		return v.fail("send update", err)
	}
	v.succeed("Changes sent")
	return nil
}

// Visible returns the rows that pass the filters.
func (v *View) Visible() []Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visibleLocked()
}

func (v *View) visibleLocked() []Row {
	matching := v.filters.Apply(v.tasks)
	rows := make([]Row, len(matching))
	for i, task := range matching {
		editing := v.form.ID != "" && v.form.ID == task.ID
		rows[i] = Row{Task: task, IsEdit: editing, Actions: rowActions(task, editing)}
	}
	return rows
}

func rowActions(task domain.Task, editing bool) []string {
	switch {
	case task.IsDone:
		return []string{ActionDelete}
	case editing:
		return []string{ActionSave, ActionCancel}
	default:
		return []string{ActionDone, ActionEdit, ActionDelete}
	}
}

// State returns a snapshot for renderers.
func (v *View) State() State {
	pending := v.store.Pending()
	v.mu.Lock()
	defer v.mu.Unlock()
	return State{
		Tasks:    v.visibleLocked(),
		Total:    len(v.tasks),
		Loading:  v.loading,
		Content:  v.content,
		Filters:  v.filters,
		FormEdit: v.form,
		Pending:  pending,
	}
}

// Toasts returns and clears the queued notifications.
func (v *View) Toasts() []Toast {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.toasts
	v.toasts = nil
	return out
}

// Watch applies store changes to the snapshot until ctx is done.
func (v *View) Watch(ctx context.Context) {
	changes, cancel := v.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			v.apply(change)
		}
	}
}

func (v *View) apply(change taskstore.TaskChange) {
	v.mu.Lock()
	switch change.Kind {
	case storage.ChangeRemoved:
		v.removeLocked(change.Task.ID)
	default:
		v.upsertLocked(change.Task)
	}
	v.mu.Unlock()
	if change.Remote {
		v.log.WithFields(log.Fields{"task": change.Task.ID, "kind": change.Kind}).Debug("applied remote change")
	}
	v.notify()
}

// Listen returns a channel signalled after every state change and a function
// that stops the notifications.
func (v *View) Listen() (<-chan struct{}, func()) {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	id := v.nextID
	v.nextID++
	ch := make(chan struct{}, 1)
	v.listeners[id] = ch
	return ch, func() {
		v.lmu.Lock()
		delete(v.listeners, id)
		v.lmu.Unlock()
	}
}

func (v *View) notify() {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	for _, ch := range v.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (v *View) setLoading(loading bool) {
	v.mu.Lock()
	v.loading = loading
	v.mu.Unlock()
	v.notify()
}

func (v *View) findLocked(id string) (domain.Task, bool) {
	for _, task := range v.tasks {
		if task.ID == id {
			return task, true
		}
	}
	return domain.Task{}, false
}

// upsertLocked replaces task in the snapshot or inserts it in sort order. An
// older copy never replaces a newer one.
func (v *View) upsertLocked(task domain.Task) {
	for i := range v.tasks {
		if v.tasks[i].ID == task.ID {
			if task.UpdatedAt.Before(v.tasks[i].UpdatedAt) {
				return
			}
			v.tasks[i] = task
			return
		}
	}
	v.tasks = append(v.tasks, task)
	domain.SortTasks(v.tasks)
}

func (v *View) removeLocked(id string) {
	for i := range v.tasks {
		if v.tasks[i].ID == id {
			v.tasks = append(v.tasks[:i], v.tasks[i+1:]...)
			break
		}
	}
	if v.form.ID == id {
		v.form = FormEdit{}
	}
}

func (v *View) succeed(msg string) {
	v.mu.Lock()
	v.toasts = append(v.toasts, Toast{Level: LevelSuccess, Message: msg, At: v.now()})
	v.mu.Unlock()
	v.notify()
}

// fail logs err and queues it as an error toast. It returns err unchanged.
func (v *View) fail(action string, err error) error {
	entry := v.log.WithError(err).WithField("action", action)
	if errors.Is(err, domain.ErrValidation) {
		entry.Info("action rejected")
	} else {
		entry.Error("action failed")
	}
	v.mu.Lock()
	v.toasts = append(v.toasts, Toast{Level: LevelError, Message: domain.Message(err), At: v.now()})
	v.mu.Unlock()
	v.notify()
	return err
}
