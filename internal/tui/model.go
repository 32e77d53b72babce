// Package tui is the optional operator dashboard: live job progress, recent
// tasks and keys that send pause, resume, stop and thread-count directives.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/events"
)

// RefreshInterval is how often the dashboard polls job progress.
const RefreshInterval = 500 * time.Millisecond

// Controller is the job the dashboard drives.
type Controller interface {
	Apply(command.Directive)
	Progress() events.JobProgressEvent
}

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneProgress PaneID = iota
	PaneActivity
)

// refreshMsg triggers a progress poll.
type refreshMsg struct{}

// jobEndedMsg is sent once the event bus closes.
type jobEndedMsg struct{}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	progressPane ProgressPaneModel
	activityPane ActivityPaneModel
	controlPane  ControlPaneModel
	focusedPane  PaneID
	ctrl         Controller
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	ended        bool
	showControl  bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(eventBus *events.EventBus, ctrl Controller) Model {
	return Model{
		progressPane: NewProgressPaneModel(),
		activityPane: NewActivityPaneModel(),
		controlPane:  NewControlPaneModel(ctrl),
		focusedPane:  PaneActivity,
		ctrl:         ctrl,
		eventSub:     eventBus.SubscribeAll(events.DefaultBuffer),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), refresh())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return jobEndedMsg{}
		}
		return event
	}
}

func refresh() tea.Cmd {
	return tea.Tick(RefreshInterval, func(time.Time) tea.Msg { return refreshMsg{} })
}

// Ended reports whether the job has finished.
func (m Model) Ended() bool { return m.ended }

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The control form is modal.
		if m.showControl {
			var cmd tea.Cmd
			m.controlPane, cmd = m.controlPane.Update(msg)
			if !m.controlPane.IsVisible() {
				m.showControl = false
				m.progressPane.lastCommand = m.controlPane.Applied()
			}
			return m, cmd
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyPause:
			m.ctrl.Apply(command.Directive{Command: command.Pause})

		case KeyResume:
			m.ctrl.Apply(command.Directive{Command: command.Resume})

		case KeyStop:
			m.ctrl.Apply(command.Directive{Command: command.Stop})

		case KeyMore:
			m.ctrl.Apply(command.Directive{ThreadCount: m.ctrl.Progress().Target + 1})

		case KeyFewer:
			if target := m.ctrl.Progress().Target; target > 1 {
				m.ctrl.Apply(command.Directive{ThreadCount: target - 1})
			}

		case KeyControl:
			m.showControl = true
			m.controlPane.SetVisible(true)
			cmds = append(cmds, m.controlPane.Init())

		case KeyTab, KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			m.activityPane, cmd = m.activityPane.Update(msg)
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.controlPane.SetSize(msg.Width, msg.Height)

	case refreshMsg:
		if m.ended {
			break
		}
		m.progressPane, _ = m.progressPane.Update(m.ctrl.Progress())
		cmds = append(cmds, refresh())

	case events.JobProgressEvent, events.JobStateEvent, events.JobCommandEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, events.TaskCompletedEvent, events.TaskFailedEvent:
		var cmd tea.Cmd
		m.activityPane, cmd = m.activityPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case jobEndedMsg:
		m.ended = true
		m.progressPane, _ = m.progressPane.Update(m.ctrl.Progress())
		m.quitting = true
		return m, tea.Quit

	default:
		// A form in flight may need its own messages.
		if m.showControl {
			var cmd tea.Cmd
			m.controlPane, cmd = m.controlPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		p := m.progressPane.Snapshot()
		return "Dashboard closed; job " + p.State + ".\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showControl {
		return m.controlPane.View()
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.progressPane.View(), m.activityPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.progressPane.SetSize(leftWidth, availableHeight)
	m.activityPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.activityPane.SetFocused(m.focusedPane == PaneActivity)
}
