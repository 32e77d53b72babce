// Package task runs one module invocation for a job phase: acquire a session,
// submit, read every result item, release the session, then hand the items
// to a Sink. Connection failures are retried on a fixed interval.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/logging"
)

// Error is a task that failed for good: a permanent error, or a connection
// error that outlasted the retry policy.
type Error struct {
	Role     Role
	URIs     []string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if len(e.URIs) == 0 {
		return fmt.Sprintf("%s task failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s task failed at URI %v after %d attempt(s): %v", e.Role, e.URIs, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryPolicy bounds retries of connection failures. Limit is the number of
// retries, so a limit of 3 allows 4 attempts.
type RetryPolicy struct {
	Limit    int
	Interval time.Duration
}

// Default retry settings.
const (
	DefaultRetryLimit    = 3
	DefaultRetryInterval = 60 * time.Second
)

// RetryPolicyFrom reads XCC-CONNECTION-RETRY-LIMIT and
// XCC-CONNECTION-RETRY-INTERVAL. Negative values fall back to the defaults.
func RetryPolicyFrom(snap config.Snapshot) (RetryPolicy, error) {
	limit, err := snap.Int(config.XCCConnectionRetryLimit, DefaultRetryLimit)
	if err != nil {
		return RetryPolicy{}, err
	}
	if limit < 0 {
		limit = DefaultRetryLimit
	}
	interval, err := snap.Seconds(config.XCCConnectionRetryInterval, DefaultRetryInterval)
	if err != nil {
		return RetryPolicy{}, err
	}
	return RetryPolicy{Limit: limit, Interval: interval}, nil
}

// Task is one invocation of a role's module.
type Task struct {
	Role    Role
	Request client.Request
	URIs    []string
	Delim   string
	Source  client.ContentSource
	Sink    Sink
	Retry   RetryPolicy
	Logger  *slog.Logger
}

// request builds the request for this invocation. Request.Variables is never
// modified.
func (t *Task) request() client.Request {
	req := t.Request
	req.Variables = maps.Clone(t.Request.Variables)
	if req.Variables == nil {
		req.Variables = make(map[string]string)
	}
	switch len(t.URIs) {
	case 0:
	case 1:
		req.Variables["URI"] = t.URIs[0]
	default:
		delim := t.Delim
		if delim == "" {
			delim = DefaultBatchDelim
		}
		req.Variables["URI"] = strings.Join(t.URIs, delim)
	}
	return req
}

// Invoke runs the task and writes its output to the sink.
func (t *Task) Invoke(ctx context.Context) error {
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx = logging.ContextAttrs(ctx, slog.String("role", t.Role.String()))
	if len(t.URIs) > 0 {
		ctx = logging.ContextAttrs(ctx, slog.Any("uris", t.URIs))
	}

	req := t.request()
	var (
		items    []client.Item
		attempts int
	)

	operation := func() error {
		attempts++
		out, err := t.invokeOnce(ctx, req)
		if err != nil {
			if client.IsTransient(err) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		items = out
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.Retry.Interval), uint64(max(t.Retry.Limit, 0))),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		log.WarnContext(ctx, "connection failed, retrying",
			"attempt", attempts, "retry_limit", t.Retry.Limit, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return &Error{Role: t.Role, URIs: t.URIs, Attempts: attempts, Err: err}
	}

	sink := t.Sink
	if sink == nil {
		sink = DiscardSink{}
	}
	if err := sink.Write(ctx, t.Role, t.URIs, items); err != nil {
		return &Error{Role: t.Role, URIs: t.URIs, Attempts: attempts, Err: fmt.Errorf("writing output: %w", err)}
	}
	log.DebugContext(ctx, "task complete", "items", len(items), "attempts", attempts)
	return nil
}

// invokeOnce holds the session only for submit and read; it is released
// before the items are handed on.
func (t *Task) invokeOnce(ctx context.Context, req client.Request) (items []client.Item, err error) {
	sess, err := t.Source.NewSession()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	res, err := sess.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	items, err = client.ReadAll(res)
	if err != nil {
		return nil, fmt.Errorf("reading result: %w", err)
	}
	return items, nil
}
