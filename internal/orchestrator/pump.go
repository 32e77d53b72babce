package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/events"
	"github.com/marklogic/corb2/internal/export"
	"github.com/marklogic/corb2/internal/loader"
	"github.com/marklogic/corb2/internal/queue"
	"github.com/marklogic/corb2/internal/task"
)

// settings are the snapshot values the pump reads for every item.
type settings struct {
	batchSize   int
	failOnError bool
	errors      *export.ErrorWriter
}

func settingsFrom(snap config.Snapshot) (settings, error) {
	size, err := snap.Int(config.BatchSize, 1)
	if err != nil {
		return settings{}, err
	}
	st := settings{
		batchSize:   max(size, 1),
		failOnError: snap.Bool(config.FailOnError, true),
	}
	if name := snap.Get(config.ErrorFileName); name != "" && !st.failOnError {
		st.errors = export.NewErrorWriter(export.Resolve(snap.Get(config.ExportFileDir), name))
	}
	return st, nil
}

// pump moves the job through RUNNING and DRAINING: intake fills the queue,
// dispatch hands items to workers while a slot is free, and pump returns
// once every dispatched worker has finished.
func (m *Manager) pump(ctx context.Context, ld loader.Loader, q *queue.Queue, f *task.Factory, st settings) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.job.mu.Lock()
	m.cancelPump = cancel
	halted := m.job.halted()
	m.job.mu.Unlock()
	if halted {
		// Stopped before RUNNING was reached.
		q.Close()
		return nil
	}
	m.moveTo(ctx, Running)

	var workers conc.WaitGroup
	g, gctx := errgroup.WithContext(pumpCtx)

	g.Go(func() error {
		return m.intake(gctx, ld, q, st.batchSize)
	})
	g.Go(func() error {
		return m.dispatch(ctx, gctx, q, func(item queue.Item) {
			workers.Go(func() { m.work(ctx, f, item, st) })
		})
	})

	err := g.Wait()
	m.moveTo(ctx, Draining)
	workers.Wait()
	return err
}

// intake reads the URI source into the queue in batches. The queue is
// closed when intake returns.
func (m *Manager) intake(ctx context.Context, ld loader.Loader, q *queue.Queue, batchSize int) error {
	defer q.Close()

	batch := make(queue.Item, 0, batchSize)
	offer := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := q.Offer(ctx, batch)
		batch = make(queue.Item, 0, batchSize)
		return err
	}

	for ld.Next(ctx) {
		batch = append(batch, ld.URI())
		if len(batch) < batchSize {
			continue
		}
		if err := offer(); err != nil {
			return m.intakeError(err)
		}
	}
	if err := ld.Err(); err != nil {
		return m.intakeError(err)
	}
	if ctx.Err() != nil {
		return nil
	}
	return m.intakeError(offer())
}

// intakeError ignores errors caused by a halted job and fails the job for
// anything else. Source errors that are not already load errors are wrapped.
func (m *Manager) intakeError(err error) error {
	if err == nil || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	m.job.mu.Lock()
	defer m.job.mu.Unlock()
	canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if m.job.halted() && canceled {
		return nil
	}
	var le *loader.LoadError
	if !canceled && !errors.As(err, &le) {
		err = &loader.LoadError{Op: "intake", Err: err}
	}
	m.haltLocked(err)
	return err
}

// dispatch takes items in FIFO order and starts one worker per item while
// the job is RUNNING and a slot is free. pumpCtx ends dispatch early on
// stop or failure; ctx is the job context.
func (m *Manager) dispatch(ctx, pumpCtx context.Context, q *queue.Queue, spawn func(queue.Item)) error {
	for {
		if err := m.job.waitUntil(pumpCtx, m.job.slotFree); err != nil {
			return m.discard(ctx, q, nil)
		}

		item, err := q.Take(pumpCtx)
		switch {
		case errors.Is(err, queue.ErrDrained):
			return nil
		case pumpCtx.Err() != nil:
			return m.discard(ctx, q, item)
		case err != nil:
			m.halt(err)
			return err
		}

		// A pause or resize can land while Take blocks, so the slot is
		// claimed in the same critical section that checks it.
		if err := m.acquire(pumpCtx); err != nil {
			return m.discard(ctx, q, item)
		}
		spawn(item)
	}
}

// acquire waits for a free slot and claims it.
func (m *Manager) acquire(ctx context.Context) error {
	for {
		m.job.mu.Lock()
		if err := ctx.Err(); err != nil {
			m.job.mu.Unlock()
			return err
		}
		if m.job.slotFree() {
			m.job.active++
			m.job.broadcast()
			m.job.mu.Unlock()
			return nil
		}
		wait := m.job.changed
		m.job.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// discard drops everything still queued after a stop or failure. held is an
// item already taken from the queue but never dispatched.
func (m *Manager) discard(ctx context.Context, q *queue.Queue, held queue.Item) error {
	n, err := q.Discard(context.WithoutCancel(ctx))
	if held != nil {
		n++
	}
	m.job.mu.Lock()
	m.job.discarded += n
	m.job.mu.Unlock()
	if n > 0 {
		m.log.InfoContext(ctx, "discarded undispatched work", "items", n)
	}
	if err != nil {
		return fmt.Errorf("discarding queue: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// work runs the PROCESS task for one item. Panics become task failures.
func (m *Manager) work(ctx context.Context, f *task.Factory, item queue.Item, st settings) {
	uris := []string(item)
	start := time.Now()
	m.publish(events.TaskStartedEvent{Job: m.id, Role: task.Process.String(), URIs: uris, Timestamp: start})

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		t, _ := f.New(task.Process, uris)
		err = t.Invoke(ctx)
	})
	if r := pc.Recovered(); r != nil {
		err = &task.Error{Role: task.Process, URIs: uris, Attempts: 1, Err: r.AsError()}
	}
	m.complete(ctx, uris, err, time.Since(start), st)
}

// complete releases the worker slot and records the outcome.
func (m *Manager) complete(ctx context.Context, uris []string, err error, took time.Duration, st settings) {
	m.job.mu.Lock()
	m.job.active--
	if err == nil {
		m.job.completed += len(uris)
	} else {
		m.job.failed += len(uris)
		// a stopped job stays STOPPED
		if st.failOnError && !m.job.stopped {
			m.haltLocked(err)
		}
	}
	m.job.broadcast()
	m.job.mu.Unlock()

	if err == nil {
		m.publish(events.TaskCompletedEvent{Job: m.id, Role: task.Process.String(), URIs: uris, Duration: took, Timestamp: time.Now()})
		return
	}
	m.publish(events.TaskFailedEvent{Job: m.id, Role: task.Process.String(), URIs: uris, Err: err, Duration: took, Timestamp: time.Now()})
	if st.failOnError {
		return
	}
	m.log.WarnContext(ctx, "task failed, continuing", "uris", uris, "error", err)
	if st.errors != nil {
		if werr := st.errors.Record(uris); werr != nil {
			m.log.ErrorContext(ctx, "writing error file", "path", st.errors.Path(), "error", werr)
		}
	}
}

// halt fails the job with err and ends intake and dispatch.
func (m *Manager) halt(err error) {
	m.job.mu.Lock()
	defer m.job.mu.Unlock()
	m.haltLocked(err)
}

// haltLocked is halt with job.mu held.
func (m *Manager) haltLocked(err error) {
	m.job.fail(err)
	if m.cancelPump != nil {
		m.cancelPump()
	}
}
