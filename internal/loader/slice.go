package loader

import "context"

// SliceLoader serves URIs from memory.
type SliceLoader struct {
	URIs     []string
	Replacer *Replacer

	pos int
	cur string
}

// NewSliceLoader returns a loader over uris.
func NewSliceLoader(uris ...string) *SliceLoader {
	return &SliceLoader{URIs: uris}
}

func (l *SliceLoader) Open(ctx context.Context) error {
	l.pos = 0
	return ctx.Err()
}

func (l *SliceLoader) Total() int                    { return len(l.URIs) }
func (l *SliceLoader) BatchRef() string              { return "" }
func (l *SliceLoader) Properties() map[string]string { return nil }
func (l *SliceLoader) URI() string                   { return l.cur }
func (l *SliceLoader) Err() error                    { return nil }
func (l *SliceLoader) Close() error                  { return nil }

func (l *SliceLoader) Next(ctx context.Context) bool {
	if ctx.Err() != nil || l.pos >= len(l.URIs) {
		return false
	}
	l.cur = l.Replacer.Apply(l.URIs[l.pos])
	l.pos++
	return true
}
