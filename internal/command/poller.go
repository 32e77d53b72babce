package command

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultInterval is the default polling period.
const DefaultInterval = time.Second

const debounce = 50 * time.Millisecond

// signature identifies one version of the control file.
type signature struct {
	modTime time.Time
	size    int64
}

// Poller watches a control file and hands each new directive to Apply.
// A file watcher on the parent directory wakes the poller early; the timer
// keeps it working where file events are unavailable.
type Poller struct {
	Path     string
	Interval time.Duration
	Apply    func(Directive)
	Logger   *slog.Logger

	mu   sync.Mutex
	last signature
	seen bool
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Check reads the file if it changed since the last check and applies the
// directive. It reports whether a directive was applied.
func (p *Poller) Check() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, err := os.Stat(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		p.last, p.seen = signature{}, false
		return false, nil
	}
	if err != nil {
		return false, err
	}

	sig := signature{modTime: info.ModTime(), size: info.Size()}
	if p.seen && sig == p.last {
		return false, nil
	}
	p.last, p.seen = sig, true

	d, err := Read(p.Path)
	if err != nil {
		// Apply whatever parsed; the bad part is reported.
		p.logger().Warn("invalid command file", "path", p.Path, "error", err)
	}
	if d.Empty() {
		return false, nil
	}
	p.logger().Info("command received", "path", p.Path, "directive", d.String())
	p.Apply(d)
	return true, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(p.Path)); werr != nil {
			p.logger().Warn("command file watch unavailable, polling only", "error", werr)
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
		defer watcher.Close()
	} else {
		p.logger().Warn("command file watch unavailable, polling only", "error", err)
	}

	check := func() {
		if _, err := p.Check(); err != nil {
			p.logger().Warn("reading command file", "path", p.Path, "error", err)
		}
	}
	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Debounce: editors and renames produce several events per save.
	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	target := filepath.Clean(p.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target {
				debounceTimer.Reset(debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			p.logger().Warn("command file watch error", "error", err)
		case <-debounceTimer.C:
			check()
		}
	}
}
