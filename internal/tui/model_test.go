package tui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/events"
)

type fakeController struct {
	mu      sync.Mutex
	applied []command.Directive
	target  int
}

func (f *fakeController) Apply(d command.Directive) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, d)
	if d.ThreadCount > 0 {
		f.target = d.ThreadCount
	}
}

func (f *fakeController) Progress() events.JobProgressEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return events.JobProgressEvent{Job: "j1", State: "RUNNING", Total: 10, Completed: 4, Target: f.target}
}

func key(s string) tea.KeyMsg {
	if s == KeyTab {
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func newTestModel(t *testing.T) (Model, *fakeController, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	ctrl := &fakeController{target: 2}
	m := New(bus, ctrl)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model), ctrl, bus
}

func TestKeysSendDirectives(t *testing.T) {
	m, ctrl, _ := newTestModel(t)

	for _, k := range []string{KeyPause, KeyResume, KeyMore, KeyFewer, KeyStop} {
		next, _ := m.Update(key(k))
		m = next.(Model)
	}

	require.Equal(t, []command.Directive{
		{Command: command.Pause},
		{Command: command.Resume},
		{ThreadCount: 3},
		{ThreadCount: 2},
		{Command: command.Stop},
	}, ctrl.applied)
}

func TestFewerNeverGoesBelowOne(t *testing.T) {
	m, ctrl, _ := newTestModel(t)
	ctrl.target = 1

	next, _ := m.Update(key(KeyFewer))
	_ = next.(Model)
	require.Empty(t, ctrl.applied)
}

func TestProgressRendering(t *testing.T) {
	m, _, _ := newTestModel(t)

	next, _ := m.Update(events.JobProgressEvent{
		Job:       "j1",
		State:     "RUNNING",
		Total:     12345,
		Completed: 6000,
		Failed:    172,
		Target:    4,
		Active:    4,
		Rate:      12.5,
		ETA:       90 * time.Second,
	})
	m = next.(Model)

	view := m.View()
	require.Contains(t, view, "12,345")
	require.Contains(t, view, "6,000")
	require.Contains(t, view, "RUNNING")
	require.Contains(t, view, "1m30s")
	require.InDelta(t, 0.5, m.progressPane.Fraction(), 0.001)
}

func TestActivityTracksTaskOutcome(t *testing.T) {
	m, _, _ := newTestModel(t)
	uris := []string{"/a.xml", "/b.xml"}

	msgs := []tea.Msg{
		events.TaskStartedEvent{Job: "j1", Role: "PROCESS", URIs: uris, Timestamp: time.Now()},
		events.TaskStartedEvent{Job: "j1", Role: "PROCESS", URIs: []string{"/c.xml"}, Timestamp: time.Now()},
		events.TaskFailedEvent{Job: "j1", Role: "PROCESS", URIs: uris, Err: errors.New("XDMP-UNDFUN"), Duration: time.Second},
		events.TaskCompletedEvent{Job: "j1", Role: "PROCESS", URIs: []string{"/c.xml"}, Duration: time.Second},
	}
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}

	tasks := m.activityPane.Tasks()
	require.Len(t, tasks, 2)
	require.Equal(t, "failed", tasks[0].Status)
	require.Equal(t, "XDMP-UNDFUN", tasks[0].Err)
	require.Equal(t, "/a.xml (+1)", tasks[0].Label())
	require.Equal(t, "completed", tasks[1].Status)
}

func TestActivityForgetsOldTasks(t *testing.T) {
	p := NewActivityPaneModel()
	for i := range maxActivity + 10 {
		p, _ = p.Update(events.TaskStartedEvent{Role: "PROCESS", URIs: []string{strings.Repeat("x", i+1)}})
	}
	require.Len(t, p.Tasks(), maxActivity)
	require.Equal(t, strings.Repeat("x", 11), p.Tasks()[0].URIs[0])
}

func TestJobEndQuits(t *testing.T) {
	m, _, bus := newTestModel(t)
	bus.Close()

	msg := waitForEvent(m.eventSub)()
	require.IsType(t, jobEndedMsg{}, msg)

	next, cmd := m.Update(msg)
	m = next.(Model)
	require.True(t, m.Ended())
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
}

func TestControlFormDirective(t *testing.T) {
	ctrl := &fakeController{target: 2}
	p := NewControlPaneModel(ctrl)

	p.fields.command = command.Pause.String()
	p.fields.threads = "6"
	d, err := p.Directive()
	require.NoError(t, err)
	require.Equal(t, command.Directive{Command: command.Pause, ThreadCount: 6}, d)

	p.fields.command = ""
	p.fields.threads = "2"
	d, err = p.Directive()
	require.NoError(t, err)
	require.True(t, d.Empty(), "unchanged thread count is not a directive")

	require.Error(t, validateThreads("0"))
	require.NoError(t, validateThreads(""))
}
