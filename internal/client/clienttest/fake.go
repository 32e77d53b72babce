// Package clienttest provides an in-memory client.ContentSource for tests.
package clienttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/marklogic/corb2/internal/client"
)

// HandlerFunc answers one request.
type HandlerFunc func(ctx context.Context, req client.Request) ([]client.Item, error)

// Source is a fake content source that routes every request to Handler and
// tracks open sessions and results so tests can check they are released.
type Source struct {
	Handler HandlerFunc

	mu       sync.Mutex
	requests []client.Request

	sessionsOpen atomic.Int64
	resultsOpen  atomic.Int64
	submits      atomic.Int64
}

// New returns a source answering with h.
func New(h HandlerFunc) *Source {
	return &Source{Handler: h}
}

// Strings builds string items.
func Strings(values ...string) []client.Item {
	items := make([]client.Item, len(values))
	for i, v := range values {
		items[i] = client.Item{Type: "string", Value: v}
	}
	return items
}

func (s *Source) NewSession() (client.Session, error) {
	s.sessionsOpen.Add(1)
	return &session{src: s}, nil
}

// Requests returns a copy of every request submitted so far.
func (s *Source) Requests() []client.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]client.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Submits is the number of Submit calls.
func (s *Source) Submits() int { return int(s.submits.Load()) }

// OpenSessions is the number of sessions not yet closed.
func (s *Source) OpenSessions() int { return int(s.sessionsOpen.Load()) }

// OpenResults is the number of results not yet closed.
func (s *Source) OpenResults() int { return int(s.resultsOpen.Load()) }

type session struct {
	src    *Source
	closed bool
}

func (s *session) Submit(ctx context.Context, req client.Request) (client.Result, error) {
	if s.closed {
		return nil, client.ErrSessionClosed
	}
	s.src.submits.Add(1)
	s.src.mu.Lock()
	s.src.requests = append(s.src.requests, req)
	s.src.mu.Unlock()

	items, err := s.src.Handler(ctx, req)
	if err != nil {
		return nil, err
	}
	s.src.resultsOpen.Add(1)
	return &result{src: s.src, items: items, pos: -1}, nil
}

func (s *session) Close() error {
	if !s.closed {
		s.closed = true
		s.src.sessionsOpen.Add(-1)
	}
	return nil
}

type result struct {
	src    *Source
	items  []client.Item
	pos    int
	closed bool
}

func (r *result) Next() bool {
	if r.closed || r.pos+1 >= len(r.items) {
		return false
	}
	r.pos++
	return true
}

func (r *result) Item() client.Item { return r.items[r.pos] }

func (r *result) Err() error { return nil }

func (r *result) Close() error {
	if !r.closed {
		r.closed = true
		r.src.resultsOpen.Add(-1)
	}
	return nil
}
