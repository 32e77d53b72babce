package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	gocron "github.com/go-co-op/gocron/v2"
	"github.com/sourcegraph/conc"

	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/config"
)

// DefaultMonitorInterval is the progress logging period.
const DefaultMonitorInterval = 60 * time.Second

// startBackground starts the command poller and the progress monitor. The
// returned func stops both and waits for them.
func (m *Manager) startBackground(ctx context.Context, snap config.Snapshot) (func(), error) {
	interval, err := snap.Seconds(config.MonitorInterval, DefaultMonitorInterval)
	if err != nil {
		return nil, err
	}
	pollInterval, err := snap.Seconds(config.CommandFilePollInterval, command.DefaultInterval)
	if err != nil {
		return nil, err
	}

	var scheduler gocron.Scheduler
	if interval > 0 {
		scheduler, err = m.newMonitor(ctx, interval)
		if err != nil {
			return nil, err
		}
		scheduler.Start()
	}

	bgCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	if path := snap.Get(config.CommandFile); path != "" {
		p := &command.Poller{
			Path:     path,
			Interval: pollInterval,
			Apply:    m.Apply,
			Logger:   m.log.With("job", m.id),
		}
		m.log.InfoContext(ctx, "watching command file", "path", path, "interval", pollInterval)
		wg.Go(func() {
			if err := p.Run(bgCtx); err != nil {
				m.log.ErrorContext(ctx, "command poller stopped", "error", err)
			}
		})
	}

	return func() {
		cancel()
		wg.Wait()
		if scheduler != nil {
			if err := scheduler.Shutdown(); err != nil {
				m.log.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}
	}, nil
}

func (m *Manager) newMonitor(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { m.report(ctx) }),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// report logs and publishes one progress snapshot.
func (m *Manager) report(ctx context.Context) {
	p := m.Progress()
	m.publish(p)

	total := "unknown"
	if p.Total >= 0 {
		total = humanize.Comma(int64(p.Total))
	}
	attrs := []any{
		"state", p.State,
		"completed", humanize.Comma(int64(p.Completed)),
		"total", total,
		"failed", p.Failed,
		"active", p.Active,
		"threads", p.Target,
		"queued", humanize.Comma(int64(p.Queued)),
		"rate", humanize.FormatFloat("#,###.##", p.Rate) + "/s",
	}
	if p.ETA > 0 {
		attrs = append(attrs, "eta", p.ETA.Round(time.Second))
	}
	m.log.InfoContext(ctx, "progress", attrs...)
}
