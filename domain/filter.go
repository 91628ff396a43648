package domain

import "strings"

// Filters narrows the loaded snapshot on the client side.
type Filters struct {
	SearchText    string `json:"searchText"`
	HideCompleted bool   `json:"hideCompleted"`
}

// Match reports whether t passes the filters.
func (f Filters) Match(t Task) bool {
	if f.HideCompleted && t.IsDone {
		return false
	}
	if f.SearchText == "" {
		return true
	}
	return strings.Contains(strings.ToLower(t.Content), strings.ToLower(f.SearchText))
}

// Apply returns the matching tasks preserving their order.
func (f Filters) Apply(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out
}
