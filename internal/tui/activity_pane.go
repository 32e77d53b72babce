package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marklogic/corb2/internal/events"
)

// maxActivity bounds how many tasks the pane remembers.
const maxActivity = 500

// TaskState is one task as seen by the dashboard.
type TaskState struct {
	Key       string
	Role      string
	URIs      []string
	Status    string // "running", "completed", "failed"
	Err       string
	StartTime time.Time
	Duration  time.Duration
}

// Label is the short list entry for the task.
func (t *TaskState) Label() string {
	switch len(t.URIs) {
	case 0:
		return t.Role
	case 1:
		return t.URIs[0]
	default:
		return fmt.Sprintf("%s (+%d)", t.URIs[0], len(t.URIs)-1)
	}
}

// ActivityPaneModel lists recent tasks with details of the selected one.
type ActivityPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	follow      bool
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewActivityPaneModel creates a new activity pane model.
func NewActivityPaneModel() ActivityPaneModel {
	return ActivityPaneModel{
		tasks:    make(map[string]*TaskState),
		follow:   true,
		viewport: viewport.New(0, 0),
	}
}

func taskKey(role string, uris []string) string {
	return role + "|" + strings.Join(uris, "\x00")
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
			m.follow = m.selectedIdx == len(m.order)-1
			m.updateViewportContent()
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
			m.follow = false
			m.updateViewportContent()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		key := taskKey(msg.Role, msg.URIs)
		if _, exists := m.tasks[key]; !exists {
			m.tasks[key] = &TaskState{
				Key:       key,
				Role:      msg.Role,
				URIs:      msg.URIs,
				Status:    "running",
				StartTime: msg.Timestamp,
			}
			m.order = append(m.order, key)
			m.trim()
		}
		if m.follow {
			m.selectedIdx = len(m.order) - 1
		}
		m.updateViewportContent()

	case events.TaskCompletedEvent:
		if t, exists := m.tasks[taskKey(msg.Role, msg.URIs)]; exists {
			t.Status = "completed"
			t.Duration = msg.Duration
			m.updateViewportContent()
		}

	case events.TaskFailedEvent:
		if t, exists := m.tasks[taskKey(msg.Role, msg.URIs)]; exists {
			t.Status = "failed"
			t.Duration = msg.Duration
			if msg.Err != nil {
				t.Err = msg.Err.Error()
			}
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// trim drops the oldest finished tasks beyond maxActivity.
func (m *ActivityPaneModel) trim() {
	for len(m.order) > maxActivity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.tasks, oldest)
		if m.selectedIdx > 0 {
			m.selectedIdx--
		}
	}
}

// Tasks returns the remembered tasks in start order.
func (m ActivityPaneModel) Tasks() []*TaskState {
	out := make([]*TaskState, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.tasks[k])
	}
	return out
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := max(m.width/2, 20)
	detailWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(listWidth),
		lipgloss.NewStyle().
			Width(max(detailWidth, 10)).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m ActivityPaneModel) renderList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	rows := max(m.height-6, 1)
	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		// Keep the selection on screen.
		start := max(0, m.selectedIdx-rows+1)
		end := min(len(m.order), start+rows)
		for i := start; i < end; i++ {
			t := m.tasks[m.order[i]]
			name := t.Label()
			if len(name) > width-4 && width > 7 {
				name = name[:width-7] + "..."
			}
			line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m ActivityPaneModel) selected() *TaskState {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.tasks[m.order[m.selectedIdx]]
	}
	return nil
}

// updateViewportContent shows the details of the selected task.
func (m *ActivityPaneModel) updateViewportContent() {
	t := m.selected()
	if t == nil {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Role:    %s\n", t.Role)
	fmt.Fprintf(&b, "Status:  %s %s\n", StatusIcon(t.Status), t.Status)
	fmt.Fprintf(&b, "Started: %s\n", t.StartTime.Format(time.TimeOnly))
	if t.Duration > 0 {
		fmt.Fprintf(&b, "Took:    %s\n", t.Duration.Round(time.Millisecond))
	}
	if len(t.URIs) > 0 {
		b.WriteString("\nURIs:\n")
		for _, u := range t.URIs {
			b.WriteString("  " + u + "\n")
		}
	}
	if t.Err != "" {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render("Error:"))
		b.WriteString("\n" + t.Err + "\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoTop()
}

// SetSize updates the pane dimensions.
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-max(w/2, 20)-4, 10)
	m.viewport.Height = max(h-4, 5)
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
