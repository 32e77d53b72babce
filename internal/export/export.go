// Package export writes task output and failed URIs to local files.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
	"github.com/marklogic/corb2/internal/task"
)

// FileWriter is a task.Sink that appends every result item to one file, one
// item per line. Writes from concurrent tasks are serialised.
type FileWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Resolve joins name onto dir unless name is already absolute.
func Resolve(dir, name string) string {
	if name == "" || filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// NewFileWriter creates (or truncates) path, creating parent directories.
func NewFileWriter(path string) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}
	return &FileWriter{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// FromOptions returns the export sink configured by EXPORT-FILE-DIR and
// EXPORT-FILE-NAME, or a task.DiscardSink when no file is named.
func FromOptions(snap config.Snapshot) (task.Sink, func() error, error) {
	name := snap.Get(config.ExportFileName)
	if name == "" {
		return task.DiscardSink{}, func() error { return nil }, nil
	}
	fw, err := NewFileWriter(Resolve(snap.Get(config.ExportFileDir), name))
	if err != nil {
		return nil, nil, err
	}
	return fw, fw.Close, nil
}

// Path returns the file being written.
func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Write(_ context.Context, _ task.Role, _ []string, items []client.Item) error {
	if len(items) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	for _, it := range items {
		if _, err := w.w.WriteString(it.Value); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	// Flush per task so a failed job still leaves complete lines behind.
	return w.w.Flush()
}

// Close flushes and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := errors.Join(w.w.Flush(), w.f.Close())
	w.f = nil
	return err
}

// ErrorWriter appends the URIs of failed tasks to a file, one per line.
type ErrorWriter struct {
	mu   sync.Mutex
	path string
}

// NewErrorWriter returns a writer for path. The file is created on the
// first failure.
func NewErrorWriter(path string) *ErrorWriter {
	return &ErrorWriter{path: path}
}

// Path returns the error file location.
func (e *ErrorWriter) Path() string { return e.path }

// Record appends uris.
func (e *ErrorWriter) Record(uris []string) error {
	if len(uris) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening error file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, uri := range uris {
		if _, err := w.WriteString(uri); err != nil {
			f.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			return err
		}
	}
	return errors.Join(w.Flush(), f.Close())
}
