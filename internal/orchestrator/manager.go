// Package orchestrator runs a job: it opens the URI source, feeds the work
// queue, sizes the worker pool and drives the job through its lifecycle
// until it completes, fails or is stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/crypt"
	"github.com/marklogic/corb2/internal/events"
	"github.com/marklogic/corb2/internal/export"
	"github.com/marklogic/corb2/internal/loader"
	"github.com/marklogic/corb2/internal/logging"
	"github.com/marklogic/corb2/internal/persistence"
	"github.com/marklogic/corb2/internal/queue"
	"github.com/marklogic/corb2/internal/task"
)

// DefaultBreakerTimeout is how long an open connection breaker rejects
// requests before letting a probe through.
const DefaultBreakerTimeout = 30 * time.Second

// DefaultMaxInMemory bounds the in-memory part of the work queue when
// DISK-QUEUE-MAX-IN-MEMORY-SIZE is not set.
const DefaultMaxInMemory = 1000

// Config holds the inputs of one job. Only Options is required; the other
// fields replace what would otherwise be built from the options.
type Config struct {
	Options *config.Options
	Source  client.ContentSource
	Loader  loader.Loader
	Sink    task.Sink
	Bus     *events.EventBus
	Logger  *slog.Logger
	JobID   string
}

// Manager runs a single job.
type Manager struct {
	cfg     Config
	id      string
	log     *slog.Logger
	bus     *events.EventBus
	ownsBus bool

	job   *job
	queue atomic.Pointer[queue.Queue]
	ran   atomic.Bool

	// cancelPump stops intake and dispatch. Guarded by job.mu.
	cancelPump context.CancelFunc
}

// New creates a manager for cfg.
func New(cfg Config) (*Manager, error) {
	if cfg.Options == nil {
		return nil, fmt.Errorf("%w: no job options", config.ErrMissingOption)
	}
	threads, err := cfg.Options.Int(config.ThreadCount, 1)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg: cfg,
		id:  cfg.JobID,
		log: cfg.Logger,
		bus: cfg.Bus,
		job: newJob(threads),
	}
	if m.id == "" {
		m.id = uuid.NewString()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.bus == nil {
		m.bus = events.NewEventBus()
		m.ownsBus = true
	}
	return m, nil
}

// ID returns the job id.
func (m *Manager) ID() string { return m.id }

// Bus returns the bus the job publishes to. A bus created by the manager is
// closed when Run returns.
func (m *Manager) Bus() *events.EventBus { return m.bus }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.job.mu.Lock()
	defer m.job.mu.Unlock()
	return m.job.state
}

// Run executes the job and blocks until it reaches a terminal state. The
// returned error is nil for COMPLETED, wraps ErrStopped for STOPPED and
// carries the cause for FAILED.
func (m *Manager) Run(ctx context.Context) (Summary, error) {
	if !m.ran.CompareAndSwap(false, true) {
		return Summary{}, errors.New("job already ran")
	}
	ctx = logging.ContextAttrs(ctx, slog.String("job", m.id))
	if m.ownsBus {
		defer m.bus.Close()
	}

	m.log.InfoContext(ctx, "job starting")
	err := m.run(ctx)
	return m.finish(ctx, err)
}

// run drives the job up to a terminal state and returns the fatal error,
// if any.
func (m *Manager) run(ctx context.Context) error {
	opts := m.cfg.Options

	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	src := m.cfg.Source
	if src == nil {
		built, err := m.connect(ctx, opts)
		if err != nil {
			return err
		}
		src = built
	}
	early := opts.Snapshot()

	sink := m.cfg.Sink
	if sink == nil {
		s, closeSink, err := export.FromOptions(early)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeSink(); err != nil {
				m.log.ErrorContext(ctx, "closing export file", "error", err)
			}
		}()
		sink = s
	}

	if early.Get(config.InitModule) != "" {
		f, err := task.NewFactory(src, early, sink, m.log)
		if err != nil {
			return err
		}
		if err := m.runSingle(ctx, f, task.Init); err != nil {
			return err
		}
	}

	ld := m.cfg.Loader
	if ld == nil {
		l, err := loader.New(src, early)
		if err != nil {
			return err
		}
		ld = l
	}
	if err := ld.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ld.Close(); err != nil {
			m.log.WarnContext(ctx, "closing uri source", "error", err)
		}
	}()

	opts.Merge(ld.Properties())
	if ref := ld.BatchRef(); ref != "" {
		opts.Set(config.URIsBatchRef, ref)
	}
	snap := opts.Snapshot()

	m.job.mu.Lock()
	m.job.total = ld.Total()
	m.job.broadcast()
	m.job.mu.Unlock()
	m.log.InfoContext(ctx, "uri source open", "total", ld.Total(), "batch_ref", ld.BatchRef())

	factory, err := task.NewFactory(src, snap, sink, m.log)
	if err != nil {
		return err
	}
	if !factory.Has(task.Process) {
		return fmt.Errorf("%w: %s", config.ErrMissingOption, config.ProcessModule)
	}
	st, err := settingsFrom(snap)
	if err != nil {
		return err
	}

	q, err := m.newQueue(ctx, snap)
	if err != nil {
		return err
	}
	m.queue.Store(q)
	defer func() {
		if err := q.Release(); err != nil {
			m.log.WarnContext(ctx, "releasing work queue", "error", err)
		}
	}()

	stopBackground, err := m.startBackground(ctx, snap)
	if err != nil {
		return err
	}
	defer stopBackground()

	if factory.Has(task.PreBatch) && !m.halted() {
		if err := m.runSingle(ctx, factory, task.PreBatch); err != nil {
			return err
		}
	}

	if err := m.pump(ctx, ld, q, factory, st); err != nil {
		return err
	}

	if m.halted() || !factory.Has(task.PostBatch) {
		return nil
	}
	return m.runSingle(ctx, factory, task.PostBatch)
}

func (m *Manager) halted() bool {
	m.job.mu.Lock()
	defer m.job.mu.Unlock()
	return m.job.halted()
}

// connect decrypts the connection options and builds the REST content
// source.
func (m *Manager) connect(ctx context.Context, opts *config.Options) (client.ContentSource, error) {
	d, err := crypt.New(opts.Get(config.Decrypter))
	if err != nil {
		return nil, err
	}
	if err := crypt.DecryptOptions(opts, d); err != nil {
		return nil, err
	}

	snap := opts.Snapshot()
	conn, err := client.ConnectionFromOptions(snap)
	if err != nil {
		return nil, err
	}
	tlsCfg, err := client.TLSConfig(snap.Get(config.SSLConfig), snap.Get(config.SSLCAFile))
	if err != nil {
		return nil, err
	}
	threshold, err := snap.Int(config.XCCBreakerThreshold, 0)
	if err != nil {
		return nil, err
	}
	m.log.InfoContext(ctx, "connecting", "server", conn.Redacted())
	return client.NewHTTPSource(conn, client.SourceOptions{
		TLS:              tlsCfg,
		BreakerThreshold: threshold,
		BreakerTimeout:   DefaultBreakerTimeout,
		Logger:           m.log,
	}), nil
}

// newQueue builds the work queue. The in-memory segment is always bounded;
// items beyond it spill to a SQLite file.
func (m *Manager) newQueue(ctx context.Context, snap config.Snapshot) (*queue.Queue, error) {
	limit, err := snap.Int(config.DiskQueueMaxInMemorySize, DefaultMaxInMemory)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewSQLiteStore(ctx, snap.Get(config.DiskQueueTempDir), m.id)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(queue.Options{MaxInMemory: max(limit, 1), Store: store})
	if err != nil {
		store.Close()
		return nil, err
	}
	m.log.DebugContext(ctx, "work queue ready", "spill", store.Path(), "max_in_memory", max(limit, 1))
	return q, nil
}

// runSingle runs a one-shot role task.
func (m *Manager) runSingle(ctx context.Context, f *task.Factory, role task.Role) error {
	t, ok := f.New(role, nil)
	if !ok {
		return nil
	}
	start := time.Now()
	m.publish(events.TaskStartedEvent{Job: m.id, Role: role.String(), Timestamp: start})
	if err := t.Invoke(ctx); err != nil {
		m.publish(events.TaskFailedEvent{Job: m.id, Role: role.String(), Err: err, Duration: time.Since(start), Timestamp: time.Now()})
		return err
	}
	m.publish(events.TaskCompletedEvent{Job: m.id, Role: role.String(), Duration: time.Since(start), Timestamp: time.Now()})
	m.log.InfoContext(ctx, "task complete", "role", role.String(), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// finish settles the terminal state and builds the summary.
func (m *Manager) finish(ctx context.Context, runErr error) (Summary, error) {
	m.job.mu.Lock()
	if runErr != nil {
		m.job.fail(runErr)
	} else if m.job.failure == nil && !m.job.stopped && ctx.Err() != nil {
		m.job.fail(ctx.Err())
	}

	final := Completed
	var err error
	switch {
	case m.job.failure != nil:
		final, err = Failed, m.job.failure
	case m.job.stopped:
		final = Stopped
		err = fmt.Errorf("%w: %s", ErrStopped, m.job.stopCmd)
	}
	prev := m.job.transition(final)
	sum := Summary{
		JobID:       m.id,
		State:       final,
		Total:       m.job.total,
		Completed:   m.job.completed,
		Failed:      m.job.failed,
		Discarded:   m.job.discarded,
		Elapsed:     m.job.elapsed(),
		StopCommand: m.job.stopCmd,
		Err:         err,
	}
	m.job.mu.Unlock()
	m.announce(ctx, prev, final)
	m.publish(m.Progress())

	attrs := []any{
		"completed", sum.Completed,
		"failed", sum.Failed,
		"total", sum.Total,
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	}
	switch final {
	case Completed:
		m.log.InfoContext(ctx, "job completed", attrs...)
	case Stopped:
		m.log.WarnContext(ctx, "job stopped", append(attrs, "command", sum.StopCommand, "discarded", sum.Discarded)...)
	default:
		var te *task.Error
		if errors.As(err, &te) && len(te.URIs) > 0 {
			attrs = append(attrs, "uris", te.URIs)
		}
		m.log.ErrorContext(ctx, "job failed", append(attrs, "error", err)...)
	}
	return sum, err
}

// moveTo enters next, or PAUSED when RUNNING is requested while a pause is
// pending.
func (m *Manager) moveTo(ctx context.Context, next State) {
	m.job.mu.Lock()
	if next == Running && m.job.paused {
		next = Paused
	}
	prev := m.job.transition(next)
	m.job.mu.Unlock()
	m.announce(ctx, prev, next)
}

func (m *Manager) announce(ctx context.Context, prev, next State) {
	if prev == next {
		return
	}
	m.log.InfoContext(ctx, "job state", "from", prev.String(), "to", next.String())
	m.publish(events.JobStateEvent{Job: m.id, From: prev.String(), To: next.String(), Timestamp: time.Now()})
}

func (m *Manager) publish(e events.Event) {
	m.bus.Publish(e)
}
