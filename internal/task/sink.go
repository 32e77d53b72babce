package task

import (
	"context"
	"sync"

	"github.com/marklogic/corb2/internal/client"
)

// Sink receives the items a task returned.
type Sink interface {
	Write(ctx context.Context, role Role, uris []string, items []client.Item) error
}

// DiscardSink drops all output.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Role, []string, []client.Item) error { return nil }

// Output is one task's output as seen by a MemorySink.
type Output struct {
	Role  Role
	URIs  []string
	Items []client.Item
}

// MemorySink keeps every output in arrival order.
type MemorySink struct {
	mu      sync.Mutex
	outputs []Output
}

func (s *MemorySink) Write(_ context.Context, role Role, uris []string, items []client.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, Output{Role: role, URIs: uris, Items: items})
	return nil
}

// Outputs returns a copy of the recorded outputs.
func (s *MemorySink) Outputs() []Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Output, len(s.outputs))
	copy(out, s.outputs)
	return out
}
