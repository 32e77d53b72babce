package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marklogic/corb2/internal/events"
)

// ProgressPaneModel shows the job counters and a completion bar.
type ProgressPaneModel struct {
	snapshot    events.JobProgressEvent
	lastCommand string
	bar         progress.Model
	width       int
	height      int
	focused     bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		snapshot: events.JobProgressEvent{Total: -1, State: "INITIALIZING"},
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)

	case events.JobProgressEvent:
		m.snapshot = msg

	case events.JobStateEvent:
		m.snapshot.State = msg.To

	case events.JobCommandEvent:
		m.lastCommand = msg.Directive
	}

	return m, nil
}

// Snapshot returns the last progress shown.
func (m ProgressPaneModel) Snapshot() events.JobProgressEvent {
	return m.snapshot
}

// Fraction is the completed share of the job, or 0 while the total is
// unknown.
func (m ProgressPaneModel) Fraction() float64 {
	p := m.snapshot
	if p.Total <= 0 {
		return 0
	}
	return min(float64(p.Completed+p.Failed)/float64(p.Total), 1)
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.snapshot

	var b strings.Builder

	title := StyleTitle.Render("Job " + p.Job)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	total := "unknown"
	if p.Total >= 0 {
		total = humanize.Comma(int64(p.Total))
	}

	fmt.Fprintf(&b, "State:     %s\n", StateStyle(p.State).Render(p.State))
	fmt.Fprintf(&b, "Total:     %s\n", total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(humanize.Comma(int64(p.Completed))))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(humanize.Comma(int64(p.Failed))))
	fmt.Fprintf(&b, "Queued:    %s\n", StyleStatusPending.Render(humanize.Comma(int64(p.Queued))))
	fmt.Fprintf(&b, "Threads:   %s / %d\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Active)), p.Target)
	fmt.Fprintf(&b, "Rate:      %s/s\n", humanize.FormatFloat("#,###.##", p.Rate))
	fmt.Fprintf(&b, "Elapsed:   %s\n", p.Elapsed.Round(time.Second))
	if p.ETA > 0 {
		fmt.Fprintf(&b, "ETA:       %s\n", p.ETA.Round(time.Second))
	}
	if m.lastCommand != "" {
		fmt.Fprintf(&b, "Command:   %s\n", m.lastCommand)
	}

	if p.Total > 0 {
		b.WriteString("\n")
		b.WriteString(m.bar.ViewAs(m.Fraction()))
		fmt.Fprintf(&b, "  %.1f%%\n", m.Fraction()*100)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(min(w-16, 60), 10)
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
