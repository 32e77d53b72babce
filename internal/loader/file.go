package loader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineSize = 1 << 20

// FileLoader reads one URI per non-blank line of a local file.
type FileLoader struct {
	Path     string
	Replacer *Replacer

	f     *os.File
	sc    *bufio.Scanner
	total int
	cur   string
	err   error
}

// Open counts the URIs, then positions the loader at the first line.
func (l *FileLoader) Open(ctx context.Context) error {
	f, err := os.Open(l.Path)
	if err != nil {
		return &LoadError{Op: "open", Err: err}
	}

	total, err := countLines(ctx, f)
	if err != nil {
		f.Close()
		return &LoadError{Op: "count", Err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return &LoadError{Op: "rewind", Err: err}
	}

	l.f = f
	l.total = total
	l.sc = newScanner(f)
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return sc
}

func countLines(ctx context.Context, r io.Reader) (int, error) {
	sc := newScanner(r)
	n := 0
	for sc.Scan() {
		if n%10000 == 0 && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

func (l *FileLoader) Total() int                    { return l.total }
func (l *FileLoader) BatchRef() string              { return "" }
func (l *FileLoader) Properties() map[string]string { return nil }
func (l *FileLoader) URI() string                   { return l.cur }
func (l *FileLoader) Err() error                    { return l.err }

func (l *FileLoader) Next(ctx context.Context) bool {
	if l.sc == nil || l.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		l.err = err
		return false
	}
	for l.sc.Scan() {
		line := strings.TrimSpace(l.sc.Text())
		if line == "" {
			continue
		}
		l.cur = l.Replacer.Apply(line)
		return true
	}
	if err := l.sc.Err(); err != nil {
		l.err = &LoadError{Op: "read", Err: fmt.Errorf("%s: %w", l.Path, err)}
	}
	return false
}

func (l *FileLoader) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f, l.sc = nil, nil
	return err
}
