package orchestrator

import (
	"context"
	"sync"
	"time"
)

// job holds the mutable counters of one run. Every field is guarded by mu;
// changed is closed and replaced on each mutation so waiters can block
// without polling.
type job struct {
	mu      sync.Mutex
	changed chan struct{}

	state     State
	total     int
	completed int
	failed    int
	discarded int
	active    int
	target    int

	paused   bool
	stopped  bool
	stopCmd  string
	failure  error
	started  time.Time
	running  time.Time
	finished time.Time
}

func newJob(target int) *job {
	return &job{
		changed: make(chan struct{}),
		state:   Initializing,
		total:   -1,
		target:  max(target, 1),
		started: time.Now(),
	}
}

// broadcast wakes every waiter. Caller holds j.mu.
func (j *job) broadcast() {
	close(j.changed)
	j.changed = make(chan struct{})
}

// transition moves to next and reports the previous state. Caller holds j.mu.
func (j *job) transition(next State) State {
	prev := j.state
	if prev == next {
		return prev
	}
	j.state = next
	switch {
	case next == Running && j.running.IsZero():
		j.running = time.Now()
	case next.Terminal():
		j.finished = time.Now()
	}
	j.broadcast()
	return prev
}

// halted reports whether dispatch must end. Caller holds j.mu.
func (j *job) halted() bool {
	return j.stopped || j.failure != nil
}

// slotFree reports whether dispatch may start one more worker. Caller holds
// j.mu.
func (j *job) slotFree() bool {
	return !j.paused && j.active < j.target
}

// fail records the first fatal error. Caller holds j.mu.
func (j *job) fail(err error) {
	if j.failure == nil {
		j.failure = err
		j.broadcast()
	}
}

// waitUntil blocks until cond holds. cond runs with j.mu held.
func (j *job) waitUntil(ctx context.Context, cond func() bool) error {
	for {
		j.mu.Lock()
		if cond() {
			j.mu.Unlock()
			return nil
		}
		wait := j.changed
		j.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// elapsed is the time spent since the job started. Caller holds j.mu.
func (j *job) elapsed() time.Duration {
	if !j.finished.IsZero() {
		return j.finished.Sub(j.started)
	}
	return time.Since(j.started)
}
