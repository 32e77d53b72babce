package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/client/clienttest"
	"github.com/marklogic/corb2/internal/command"
	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/loader"
	"github.com/marklogic/corb2/internal/logging"
	"github.com/marklogic/corb2/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func jobOptions(extra map[string]string) *config.Options {
	m := map[string]string{
		config.XCCConnectionURI:           "xcc://u:p@localhost:8000",
		config.ProcessModule:              "transform.xqy",
		config.XCCConnectionRetryInterval: "0",
		config.MonitorInterval:            "0",
	}
	for k, v := range extra {
		m[k] = v
	}
	return config.FromMap(m)
}

func uriList(n int) []string {
	uris := make([]string, n)
	for i := range uris {
		uris[i] = fmt.Sprintf("/doc/%03d.xml", i)
	}
	return uris
}

func newManager(t *testing.T, opts *config.Options, src client.ContentSource, uris []string, sink task.Sink) *Manager {
	t.Helper()
	m, err := New(Config{
		Options: opts,
		Source:  src,
		Loader:  loader.NewSliceLoader(uris...),
		Sink:    sink,
		JobID:   "test-job",
	})
	require.NoError(t, err)
	return m
}

// runAsync starts the job and returns a channel yielding its outcome.
func runAsync(m *Manager) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		sum, err := m.Run(context.Background())
		done <- outcome{sum, err}
	}()
	return done
}

type outcome struct {
	sum Summary
	err error
}

func isProcess(req client.Request) bool {
	return strings.HasSuffix(req.Module, "transform.xqy")
}

func TestRunProcessesEveryURIExactlyOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		mu.Lock()
		seen[req.Variables["URI"]]++
		mu.Unlock()
		return clienttest.Strings("ok"), nil
	})

	uris := uriList(200)
	m := newManager(t, jobOptions(map[string]string{config.ThreadCount: "8"}), src, uris, nil)
	sum, err := m.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, Completed, sum.State)
	require.Equal(t, 200, sum.Total)
	require.Equal(t, 200, sum.Completed)
	require.Zero(t, sum.Failed)
	require.Equal(t, ExitSuccess, ExitCode(sum.State))
	require.Len(t, seen, 200)
	for _, u := range uris {
		require.Equal(t, 1, seen[u], "uri %s", u)
	}
	require.Zero(t, src.OpenSessions())
	require.Zero(t, src.OpenResults())
}

func TestBatchSizeJoinsURIs(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, nil
	})
	opts := jobOptions(map[string]string{
		config.BatchSize:     "3",
		config.BatchURIDelim: "|",
	})
	m := newManager(t, opts, src, []string{"a", "b", "c", "d", "e", "f", "g"}, nil)
	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, sum.Completed)

	var got []string
	for _, req := range src.Requests() {
		got = append(got, req.Variables["URI"])
	}
	require.Equal(t, []string{"a|b|c", "d|e|f", "g"}, got)
}

func TestRoleTasksRunInOrder(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return clienttest.Strings(filepath.Base(req.Module)), nil
	})
	sink := &task.MemorySink{}
	opts := jobOptions(map[string]string{
		config.InitModule:      "init.xqy",
		config.PreBatchModule:  "pre.xqy",
		config.PostBatchModule: "post.sjs",
	})
	m := newManager(t, opts, src, uriList(5), sink)
	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, sum.State)

	outs := sink.Outputs()
	require.Len(t, outs, 8)
	require.Equal(t, task.Init, outs[0].Role)
	require.Equal(t, task.PreBatch, outs[1].Role)
	for _, o := range outs[2:7] {
		require.Equal(t, task.Process, o.Role)
	}
	require.Equal(t, task.PostBatch, outs[7].Role)
	require.Equal(t, "post.sjs", outs[7].Items[0].Value)

	reqs := src.Requests()
	require.Equal(t, client.JavaScript, reqs[len(reqs)-1].Language)
}

func TestFailOnErrorFailsJob(t *testing.T) {
	var postBatch atomic.Bool
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if strings.HasSuffix(req.Module, "post.xqy") {
			postBatch.Store(true)
		}
		if req.Variables["URI"] == "/doc/002.xml" {
			return nil, &client.RequestError{StatusCode: 500, MessageCode: "XDMP-UNDFUN", Message: "Undefined function"}
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{config.PostBatchModule: "post.xqy"})
	m := newManager(t, opts, src, uriList(10), nil)

	sum, err := m.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, Failed, sum.State)
	require.Equal(t, ExitFailure, ExitCode(sum.State))
	require.Equal(t, 1, sum.Failed)
	require.LessOrEqual(t, sum.Completed, 2)
	require.False(t, postBatch.Load(), "post-batch must not run after a failure")

	var te *task.Error
	require.True(t, errors.As(err, &te))
	require.Equal(t, []string{"/doc/002.xml"}, te.URIs)
	require.Equal(t, 1, te.Attempts)
}

func TestContinueOnErrorRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	var postBatch atomic.Bool
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if strings.HasSuffix(req.Module, "post.xqy") {
			postBatch.Store(true)
			return nil, nil
		}
		switch req.Variables["URI"] {
		case "/doc/001.xml", "/doc/004.xml":
			return nil, &client.RequestError{StatusCode: 400, Message: "bad"}
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{
		config.FailOnError:     "false",
		config.ErrorFileName:   "failed.txt",
		config.ExportFileDir:   dir,
		config.PostBatchModule: "post.xqy",
		config.ThreadCount:     "3",
	})
	m := newManager(t, opts, src, uriList(6), nil)

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, sum.State)
	require.Equal(t, 4, sum.Completed)
	require.Equal(t, 2, sum.Failed)
	require.True(t, postBatch.Load())

	data, err := os.ReadFile(filepath.Join(dir, "failed.txt"))
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.ElementsMatch(t, []string{"/doc/001.xml", "/doc/004.xml"}, lines)
}

func TestPanicInTaskIsAFailure(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if req.Variables["URI"] == "/doc/001.xml" {
			panic("boom")
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{config.FailOnError: "false"})
	m := newManager(t, opts, src, uriList(3), nil)

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Completed)
	require.Equal(t, 1, sum.Failed)
}

func TestPauseHoldsDispatchUntilResume(t *testing.T) {
	started := make(chan string, 100)
	release := make(chan struct{})
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		started <- req.Variables["URI"]
		<-release
		return nil, nil
	})
	m := newManager(t, jobOptions(nil), src, uriList(10), nil)
	done := runAsync(m)

	<-started
	m.Apply(command.Directive{Command: command.Pause})
	require.Equal(t, Paused, m.State())
	close(release)

	require.Eventually(t, func() bool { return m.Progress().Active == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, src.Submits(), "no dispatch while paused")
	require.Equal(t, 1, m.Progress().Completed)

	m.Apply(command.Directive{Command: command.Resume})
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, Completed, out.sum.State)
	require.Equal(t, 10, out.sum.Completed)
}

func TestStopEndsJobWithoutPostBatch(t *testing.T) {
	var (
		m         *Manager
		calls     atomic.Int32
		postBatch atomic.Bool
	)
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if strings.HasSuffix(req.Module, "post.xqy") {
			postBatch.Store(true)
			return nil, nil
		}
		if calls.Add(1) == 3 {
			m.Apply(command.Directive{Command: command.Stop})
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{config.PostBatchModule: "post.xqy"})
	m = newManager(t, opts, src, uriList(50), nil)

	sum, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.Equal(t, Stopped, sum.State)
	require.Equal(t, ExitStopped, ExitCode(sum.State))
	require.LessOrEqual(t, sum.Completed, 3)
	require.EqualValues(t, 3, calls.Load())
	require.Positive(t, sum.Discarded)
	require.LessOrEqual(t, sum.Discarded, 47)
	require.Equal(t, "COMMAND=STOP", sum.StopCommand)
	require.False(t, postBatch.Load())
}

func TestThreadCountRaise(t *testing.T) {
	var inflight, peak atomic.Int32
	release := make(chan struct{})
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return nil, nil
	})
	m := newManager(t, jobOptions(nil), src, uriList(20), nil)
	done := runAsync(m)

	require.Eventually(t, func() bool { return inflight.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, peak.Load())

	m.Apply(command.Directive{ThreadCount: 4})
	require.Eventually(t, func() bool { return inflight.Load() == 4 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 4, m.Progress().Target)
	close(release)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 20, out.sum.Completed)
	require.EqualValues(t, 4, peak.Load())
}

func TestThreadCountLower(t *testing.T) {
	var (
		inflight, calls, laterPeak atomic.Int32
		lowered                    atomic.Bool
	)
	release := make(chan struct{})
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		if calls.Add(1) > 3 && lowered.Load() {
			for {
				p := laterPeak.Load()
				if n <= p || laterPeak.CompareAndSwap(p, n) {
					break
				}
			}
		}
		<-release
		return nil, nil
	})
	m := newManager(t, jobOptions(map[string]string{config.ThreadCount: "3"}), src, uriList(12), nil)
	done := runAsync(m)

	require.Eventually(t, func() bool { return inflight.Load() == 3 }, 5*time.Second, 5*time.Millisecond)
	m.Apply(command.Directive{ThreadCount: 1})
	lowered.Store(true)
	close(release)

	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 12, out.sum.Completed)
	require.EqualValues(t, 1, laterPeak.Load())
}

func TestCommandFileStopsJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corb.command")
	var (
		m     *Manager
		calls atomic.Int32
	)
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if calls.Add(1) == 2 {
			if err := command.Write(path, command.Directive{Command: command.Stop}); err != nil {
				return nil, err
			}
			deadline := time.Now().Add(5 * time.Second)
			for !m.halted() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{
		config.CommandFile:             path,
		config.CommandFilePollInterval: "1",
	})
	m = newManager(t, opts, src, uriList(30), nil)

	sum, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.Equal(t, Stopped, sum.State)
	require.LessOrEqual(t, sum.Completed, 2)
}

type failingLoader struct{ loader.SliceLoader }

func (failingLoader) Open(context.Context) error {
	return &loader.LoadError{Op: "open", Err: errors.New("connection refused")}
}

func TestLoadErrorFailsJob(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, nil
	})
	m, err := New(Config{Options: jobOptions(nil), Source: src, Loader: &failingLoader{}})
	require.NoError(t, err)

	sum, err := m.Run(context.Background())
	require.Equal(t, Failed, sum.State)
	var le *loader.LoadError
	require.True(t, errors.As(err, &le))
	require.Zero(t, src.Submits())
}

func TestMissingOptionsFailValidation(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, nil
	})
	opts := config.NewOptions()
	m := newManager(t, opts, src, uriList(1), nil)

	sum, err := m.Run(context.Background())
	require.Equal(t, Failed, sum.State)
	require.ErrorIs(t, err, config.ErrMissingOption)
}

func TestSpilledQueueKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, nil
	})
	opts := jobOptions(map[string]string{
		config.DiskQueueMaxInMemorySize: "2",
		config.DiskQueueTempDir:         dir,
	})
	uris := uriList(25)
	m := newManager(t, opts, src, uris, nil)

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, sum.Completed)

	var got []string
	for _, req := range src.Requests() {
		got = append(got, req.Variables["URI"])
	}
	require.Equal(t, uris, got)

	left, err := filepath.Glob(filepath.Join(dir, "corb-queue-*"))
	require.NoError(t, err)
	require.Empty(t, left, "spill files are removed")
}

func TestDefaultQueueIsBounded(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		<-release
		return nil, nil
	})
	m := newManager(t, jobOptions(map[string]string{config.DiskQueueTempDir: dir}), src, uriList(5000), nil)
	done := runAsync(m)

	// one item is with the blocked worker, the rest are queued
	require.Eventually(t, func() bool {
		q := m.queue.Load()
		return q != nil && q.Len() == 4999
	}, 10*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, m.queue.Load().InMemory(), DefaultMaxInMemory)

	close(release)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, 5000, out.sum.Completed)
}

func TestStopThenFailureStaysStopped(t *testing.T) {
	var m *Manager
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if req.Variables["URI"] == "/doc/000.xml" {
			m.Apply(command.Directive{Command: command.Stop})
			return nil, &client.RequestError{StatusCode: 500, MessageCode: "XDMP-UNDFUN", Message: "boom"}
		}
		return nil, nil
	})
	m = newManager(t, jobOptions(nil), src, uriList(10), nil)

	sum, err := m.Run(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	require.Equal(t, Stopped, sum.State)
	require.Equal(t, ExitStopped, ExitCode(sum.State))
	require.Equal(t, 1, sum.Failed)
	require.Zero(t, sum.Completed)
}

func TestHeaderPropertiesReachTasks(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		if strings.HasSuffix(req.Module, "uris.xqy") {
			return clienttest.Strings("PROCESS-MODULE.label=from-header", "batch-7", "2", "/a", "/b"), nil
		}
		return nil, nil
	})
	opts := jobOptions(map[string]string{config.URIsModule: "uris.xqy"})
	m, err := New(Config{Options: opts, Source: src})
	require.NoError(t, err)

	sum, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 2, sum.Completed)

	for _, req := range src.Requests() {
		if !isProcess(req) {
			continue
		}
		require.Equal(t, "from-header", req.Variables["label"])
		require.Equal(t, "batch-7", req.Variables[config.URIsBatchRef])
	}
}

func TestApplyAfterFinishIsIgnored(t *testing.T) {
	src := clienttest.New(func(ctx context.Context, req client.Request) ([]client.Item, error) {
		return nil, nil
	})
	m := newManager(t, jobOptions(nil), src, uriList(2), nil)
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	m.Apply(command.Directive{Command: command.Stop})
	require.Equal(t, Completed, m.State())

	_, err = m.Run(context.Background())
	require.Error(t, err)
}

func TestApplyLogsCarryJobID(t *testing.T) {
	var buf bytes.Buffer
	m, err := New(Config{
		Options: jobOptions(nil),
		Logger:  logging.New(logging.Options{Format: "text", Writer: &buf}),
		JobID:   "job-7",
	})
	require.NoError(t, err)

	m.Apply(command.Directive{ThreadCount: 3})
	require.Contains(t, buf.String(), "thread count changed")
	require.Contains(t, buf.String(), "job=job-7")
}

func TestProgressRateAndETA(t *testing.T) {
	m, err := New(Config{Options: jobOptions(nil)})
	require.NoError(t, err)
	defer m.Bus().Close()

	m.job.mu.Lock()
	m.job.state = Running
	m.job.total = 100
	m.job.completed = 40
	m.job.failed = 10
	m.job.running = time.Now().Add(-10 * time.Second)
	m.job.mu.Unlock()

	p := m.Progress()
	require.Equal(t, "RUNNING", p.State)
	require.InDelta(t, 5.0, p.Rate, 0.1)
	require.InDelta(t, (10 * time.Second).Seconds(), p.ETA.Seconds(), 0.5)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, ExitCode(Completed))
	require.Equal(t, 1, ExitCode(Failed))
	require.Equal(t, 3, ExitCode(Stopped))
	require.Equal(t, 1, ExitCode(Running))
}
