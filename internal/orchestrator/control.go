package orchestrator

import (
	"time"

	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/events"
)

// Apply carries out an operator directive. It is safe to call from any
// goroutine; directives are applied one at a time in call order. Directives
// that reach a finished job are ignored.
func (m *Manager) Apply(d command.Directive) {
	if d.Empty() {
		return
	}
	log := m.log.With("job", m.id)

	m.job.mu.Lock()
	if m.job.state.Terminal() {
		m.job.mu.Unlock()
		log.Info("ignoring command for finished job", "directive", d.String())
		return
	}
	prev := m.job.state
	next := prev
	resized := false

	if d.ThreadCount > 0 && d.ThreadCount != m.job.target {
		m.job.target = d.ThreadCount
		resized = true
	}
	switch d.Command {
	case command.Pause:
		m.job.paused = true
		if prev == Running {
			next = Paused
		}
	case command.Resume:
		m.job.paused = false
		if prev == Paused {
			next = Running
		}
	case command.Stop:
		if !m.job.halted() {
			m.job.stopped = true
			m.job.stopCmd = d.String()
			if m.cancelPump != nil {
				m.cancelPump()
			}
		}
	}
	m.job.transition(next)
	target := m.job.target
	m.job.broadcast()
	m.job.mu.Unlock()

	if resized {
		log.Info("thread count changed", "threads", target)
	}
	m.publish(events.JobCommandEvent{Job: m.id, Directive: d.String(), Timestamp: time.Now()})
	if prev != next {
		log.Info("job state", "from", prev.String(), "to", next.String(), "command", d.String())
		m.publish(events.JobStateEvent{Job: m.id, From: prev.String(), To: next.String(), Timestamp: time.Now()})
	}
}

// Progress returns a point-in-time view of the job.
func (m *Manager) Progress() events.JobProgressEvent {
	m.job.mu.Lock()
	p := events.JobProgressEvent{
		Job:       m.id,
		State:     m.job.state.String(),
		Total:     m.job.total,
		Completed: m.job.completed,
		Failed:    m.job.failed,
		Active:    m.job.active,
		Target:    m.job.target,
		Elapsed:   m.job.elapsed(),
		Timestamp: time.Now(),
	}
	running, finished := m.job.running, m.job.finished
	m.job.mu.Unlock()

	if q := m.queue.Load(); q != nil {
		p.Queued = q.Len()
	}
	if running.IsZero() {
		return p
	}
	end := finished
	if end.IsZero() {
		end = p.Timestamp
	}
	done := p.Completed + p.Failed
	if secs := end.Sub(running).Seconds(); secs > 0 {
		p.Rate = float64(done) / secs
	}
	if p.Total >= 0 && p.Rate > 0 && done < p.Total {
		p.ETA = time.Duration(float64(p.Total-done) / p.Rate * float64(time.Second))
	}
	return p
}
