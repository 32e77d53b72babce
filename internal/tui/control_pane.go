package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/marklogic/corb2/internal/command"
)

// ControlPaneModel is the command form overlay. Submitting it hands one
// directive to the controller.
type ControlPaneModel struct {
	form    *huh.Form
	ctrl    Controller
	width   int
	height  int
	visible bool
	applied string
	fields  *controlFields
}

// controlFields holds the form bindings. The form keeps pointers into it,
// so it lives outside the copied model value.
type controlFields struct {
	command string
	threads string
}

// NewControlPaneModel creates a new control pane.
func NewControlPaneModel(ctrl Controller) ControlPaneModel {
	m := ControlPaneModel{ctrl: ctrl}
	m.buildForm()
	return m
}

func validateThreads(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("thread count must be a positive number")
	}
	return nil
}

// buildForm constructs the form from the current job state.
func (m *ControlPaneModel) buildForm() {
	m.fields = &controlFields{}
	if m.ctrl != nil {
		m.fields.threads = strconv.Itoa(m.ctrl.Progress().Target)
	}

	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("command").
				Title("Command").
				Options(
					huh.NewOption("No change", ""),
					huh.NewOption("Pause", command.Pause.String()),
					huh.NewOption("Resume", command.Resume.String()),
					huh.NewOption("Stop", command.Stop.String()),
				).
				Value(&m.fields.command),

			huh.NewInput().
				Key("threads").
				Title("Thread count").
				Value(&m.fields.threads).
				Validate(validateThreads),
		).Title("Job Control"),
	)
}

// Directive converts the form values.
func (m ControlPaneModel) Directive() (command.Directive, error) {
	var d command.Directive
	if m.fields.command != "" {
		kind, err := command.ParseKind(m.fields.command)
		if err != nil {
			return d, err
		}
		d.Command = kind
	}
	if s := strings.TrimSpace(m.fields.threads); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return d, fmt.Errorf("invalid thread count %q", s)
		}
		if m.ctrl == nil || n != m.ctrl.Progress().Target {
			d.ThreadCount = n
		}
	}
	return d, nil
}

// Init initializes the control pane.
func (m ControlPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the control pane.
func (m ControlPaneModel) Update(msg tea.Msg) (ControlPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		d, err := m.Directive()
		switch {
		case err != nil:
			m.applied = "✗ " + err.Error()
		case d.Empty():
			m.applied = "no change"
		default:
			m.ctrl.Apply(d)
			m.applied = "✓ " + d.String()
		}
		m.visible = false
	}

	return m, cmd
}

// View renders the control pane.
func (m ControlPaneModel) View() string {
	if !m.visible {
		return ""
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 20)).
		Height(max(m.height-4, 8))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("Job Control (esc to cancel)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(m.form.View()))
}

// Applied describes the last submitted directive.
func (m ControlPaneModel) Applied() string { return m.applied }

// SetSize updates the dimensions of the control pane.
func (m *ControlPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(w-8, 20)).WithHeight(max(h-8, 8))
	}
}

// SetVisible shows or hides the control pane. Showing it rebuilds the form.
func (m *ControlPaneModel) SetVisible(v bool) {
	m.visible = v
	if v {
		m.buildForm()
		if m.width > 0 {
			m.SetSize(m.width, m.height)
		}
	}
}

// IsVisible returns whether the control pane is currently visible.
func (m ControlPaneModel) IsVisible() bool {
	return m.visible
}
