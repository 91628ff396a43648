// Package tui renders the task list in a terminal.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randyvpcode/task-manager/domain"
	"github.com/randyvpcode/task-manager/view"
)

// ErrNoTTY is returned by Run when stdout is not a terminal.
var ErrNoTTY = errors.New("tui requires a TTY")

type mode int

const (
	modeBrowse mode = iota
	modeAdd
	modeSearch
	modeEdit
)

// Run shows the list until the user quits or ctx is done.
func Run(ctx context.Context, v *view.View) error {
	if !IsTTY(os.Stdout) {
		return ErrNoTTY
	}
	program := tea.NewProgram(newModel(ctx, v), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// IsTTY reports whether w is a character device.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type changedMsg struct{}

type actionMsg struct {
	err error
}

type model struct {
	ctx    context.Context
	view   *view.View
	change <-chan struct{}
	stop   func()

	state  view.State
	toasts []view.Toast
	cursor int
	mode   mode
	input  string
	busy   bool
}

func newModel(ctx context.Context, v *view.View) *model {
	ch, stop := v.Listen()
	m := &model{ctx: ctx, view: v, change: ch, stop: stop}
	m.refresh()
	return m
}

func (m *model) Init() tea.Cmd {
	return waitForChange(m.change)
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m *model) refresh() {
	m.state = m.view.State()
	if toasts := m.view.Toasts(); len(toasts) > 0 {
		m.toasts = toasts
	}
	if m.cursor >= len(m.state.Tasks) {
		m.cursor = len(m.state.Tasks) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// action runs fn off the event loop.
func (m *model) action(fn func(ctx context.Context) error) tea.Cmd {
	m.busy = true
	ctx := m.ctx
	return func() tea.Msg {
		return actionMsg{err: fn(ctx)}
	}
}

func (m *model) selected() (view.Row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.state.Tasks) {
		return view.Row{}, false
	}
	return m.state.Tasks[m.cursor], true
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case changedMsg:
		m.refresh()
		return m, waitForChange(m.change)
	case actionMsg:
		m.busy = false
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.stop()
			return m, tea.Quit
		}
		if m.mode != modeBrowse {
			return m, m.updateInput(msg)
		}
		return m, m.updateBrowse(msg)
	}
	return m, nil
}

func (m *model) updateBrowse(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "q":
		m.stop()
		return tea.Quit
	case "j", "down":
		if m.cursor < len(m.state.Tasks)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "a":
		m.mode = modeAdd
		m.input = m.state.Content
	case "/":
		m.mode = modeSearch
		m.input = m.state.Filters.SearchText
	case "h":
		filters := m.state.Filters
		filters.HideCompleted = !filters.HideCompleted
		m.view.SetFilters(filters)
		m.refresh()
	case "d":
		if row, ok := m.selected(); ok && !row.IsDone {
			return m.action(func(ctx context.Context) error { return m.view.Done(ctx, row.ID) })
		}
	case "e":
		if row, ok := m.selected(); ok && !row.IsDone {
			if err := m.view.StartEdit(row.ID); err == nil {
				m.mode = modeEdit
				m.input = row.Content
			}
			m.refresh()
		}
	case "x":
		if row, ok := m.selected(); ok {
			return m.action(func(ctx context.Context) error { return m.view.Delete(ctx, row.ID) })
		}
	case "s":
		return m.action(m.view.Sync)
	case "u":
		return m.action(m.view.SendUpdate)
	}
	return nil
}

func (m *model) updateInput(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.leaveInput()
		return nil
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyBackspace:
		if r := []rune(m.input); len(r) > 0 {
			m.input = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.input += " "
	case tea.KeyRunes:
		m.input += string(msg.Runes)
	default:
		return nil
	}
	switch m.mode {
	case modeAdd:
		m.view.SetContent(m.input)
	case modeSearch:
		filters := m.state.Filters
		filters.SearchText = m.input
		m.view.SetFilters(filters)
	case modeEdit:
		m.view.SetFormEdit(m.input, m.state.FormEdit.Tag)
	}
	m.refresh()
	return nil
}

func (m *model) leaveInput() {
	if m.mode == modeEdit {
		m.view.CancelEdit(m.state.FormEdit.ID)
	}
	m.mode = modeBrowse
	m.input = ""
	m.refresh()
}

func (m *model) submit() tea.Cmd {
	current := m.mode
	m.mode = modeBrowse
	m.input = ""
	switch current {
	case modeAdd:
		return m.action(m.view.Add)
	case modeEdit:
		return m.action(m.view.SaveEdit)
	}
	m.refresh()
	return nil
}

func (m *model) View() string {
	var b strings.Builder
	title := "Tasks"
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")

	writeFilters(&b, m.state.Filters)
	if len(m.state.Tasks) == 0 {
		b.WriteString("  No tasks.\n")
	}
	for i, row := range m.state.Tasks {
		b.WriteString(formatRow(row, i == m.cursor))
	}
	b.WriteString("\n")

	switch m.mode {
	case modeAdd:
		b.WriteString("New task: " + m.input + "_\n")
	case modeSearch:
		b.WriteString("Search: " + m.input + "_\n")
	case modeEdit:
		b.WriteString("Edit: " + m.input + "_\n")
	}
	for _, t := range m.toasts {
		b.WriteString(fmt.Sprintf("[%s] %s\n", t.Level, t.Message))
	}

	status := fmt.Sprintf("%d/%d shown, %d pending", len(m.state.Tasks), m.state.Total, m.state.Pending)
	if m.busy || m.state.Loading {
		status += ", working..."
	}
	b.WriteString("\n" + status + "\n")
	if m.mode == modeBrowse {
		b.WriteString("a add  / search  h hide done  d done  e edit  x delete  s sync  u upload  q quit\n")
	} else {
		b.WriteString("enter confirm  esc cancel\n")
	}
	return b.String()
}

func writeFilters(b *strings.Builder, f domain.Filters) {
	var parts []string
	if f.SearchText != "" {
		parts = append(parts, fmt.Sprintf("search %q", f.SearchText))
	}
	if f.HideCompleted {
		parts = append(parts, "completed hidden")
	}
	if len(parts) > 0 {
		b.WriteString("Filter: " + strings.Join(parts, ", ") + "\n\n")
	}
}

func formatRow(row view.Row, selected bool) string {
	cursor := "  "
	if selected {
		cursor = "> "
	}
	mark := "[ ]"
	if row.IsDone {
		mark = "[x]"
	}
	line := fmt.Sprintf("%s%s %s (%s)", cursor, mark, row.Content, row.Tag)
	if row.IsEdit {
		line += " *editing*"
	}
	return line + "\n"
}
