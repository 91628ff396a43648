package domain

import (
	"sort"
	"strings"
	"time"
)

// DefaultTag is applied to new tasks created without a tag.
const DefaultTag = "New"

// Task represents a single item of the task list.
type Task struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tag       string    `json:"tag"`
	IsDone    bool      `json:"isDone"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewTask carries the user supplied fields of a task being created.
type NewTask struct {
	Content string `json:"content"`
	Tag     string `json:"tag,omitempty"`
	IsDone  bool   `json:"isDone,omitempty"`
}

// Normalize trims the content and applies defaults.
func (n NewTask) Normalize() NewTask {
	n.Content = strings.TrimSpace(n.Content)
	n.Tag = strings.TrimSpace(n.Tag)
	if n.Tag == "" {
		n.Tag = DefaultTag
	}
	return n
}

// Validate reports whether the task may be submitted to the store.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Content) == "" {
		return Invalid("Task content cannot be empty")
	}
	return nil
}

// Fields returns the persisted document body for the task.
func (n NewTask) Fields() map[string]any {
	return map[string]any{
		"content": n.Content,
		"tag":     n.Tag,
		"isDone":  n.IsDone,
	}
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Content *string `json:"content,omitempty"`
	Tag     *string `json:"tag,omitempty"`
	IsDone  *bool   `json:"isDone,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Content == nil && p.Tag == nil && p.IsDone == nil
}

// Validate rejects empty patches and patches clearing the content.
func (p TaskPatch) Validate() error {
	if p.Empty() {
		return Invalid("Update has no fields to change")
	}
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		return Invalid("Task content cannot be empty")
	}
	return nil
}

// Fields returns the partial document body.
func (p TaskPatch) Fields() map[string]any {
	out := make(map[string]any, 3)
	if p.Content != nil {
		out["content"] = strings.TrimSpace(*p.Content)
	}
	if p.Tag != nil {
		tag := strings.TrimSpace(*p.Tag)
		if tag == "" {
			tag = DefaultTag
		}
		out["tag"] = tag
	}
	if p.IsDone != nil {
		out["isDone"] = *p.IsDone
	}
	return out
}

// Apply returns t with the patch applied.
func (p TaskPatch) Apply(t Task) Task {
	f := p.Fields()
	if v, ok := f["content"].(string); ok {
		t.Content = v
	}
	if v, ok := f["tag"].(string); ok {
		t.Tag = v
	}
	if v, ok := f["isDone"].(bool); ok {
		t.IsDone = v
	}
	return t
}

// FromFields builds a task from a stored document body.
func FromFields(id string, createdAt, updatedAt int64, body map[string]any) Task {
	t := Task{
		ID:        id,
		CreatedAt: time.Unix(0, createdAt).UTC(),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}
	if v, ok := body["content"].(string); ok {
		t.Content = v
	}
	if v, ok := body["tag"].(string); ok {
		t.Tag = v
	}
	if v, ok := body["isDone"].(bool); ok {
		t.IsDone = v
	}
	return t
}

// SortTasks orders tasks newest first. Equal timestamps fall back to the id.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return Newer(tasks[i].CreatedAt.UnixNano(), tasks[i].ID, tasks[j].CreatedAt.UnixNano(), tasks[j].ID)
	})
}

// Newer reports whether (tsA, idA) sorts before (tsB, idB).
func Newer(tsA int64, idA string, tsB int64, idB string) bool {
	if tsA != tsB {
		return tsA > tsB
	}
	return idA > idB
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
