package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strconv"
	"strings"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
)

// DefaultMaxOpts caps how many leading values a URIs module may use for
// options and the batch reference.
const DefaultMaxOpts = 10

const (
	collectionType = "COLLECTION"
	uriPattern     = `[,\s]+`
)

var (
	customOption = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*)\.([A-Za-z0-9_-]+)=(.*)$`)
	numeric      = regexp.MustCompile(`^\d+$`)
)

// QueryLoader streams URIs from a URIs module. The module returns, in order:
// optional "<ROLE-MODULE>.<name>=<value>" options, an optional batch
// reference, the total count, then the URIs.
type QueryLoader struct {
	Source     client.ContentSource
	Module     string
	ModuleRoot string
	Collection string
	Variables  map[string]string
	MaxOpts    int
	Replacer   *Replacer
	Logger     *slog.Logger

	session  client.Session
	res      client.Result
	total    int
	batchRef string
	props    map[string]string
	cur      string
	err      error
}

func (l *QueryLoader) Open(ctx context.Context) error {
	req, err := client.ModuleRequest(l.Module, l.ModuleRoot)
	if err != nil {
		return fmt.Errorf("uris module: %w", err)
	}
	req.Variables = map[string]string{
		"URIS":    l.Collection,
		"TYPE":    collectionType,
		"PATTERN": uriPattern,
	}
	maps.Copy(req.Variables, l.Variables)

	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "invoking uris module", "module", l.Module)

	sess, err := l.Source.NewSession()
	if err != nil {
		return &LoadError{Op: "session", Err: err}
	}
	res, err := sess.Submit(ctx, req)
	if err != nil {
		sess.Close()
		return &LoadError{Op: "submit", Err: err}
	}
	l.session, l.res = sess, res

	if err := l.readHeader(); err != nil {
		l.Close()
		return err
	}
	log.InfoContext(ctx, "uris module opened", "total", l.total, "batch_ref", l.batchRef, "options", len(l.props))
	return nil
}

// readHeader consumes leading options and the batch reference, stopping at
// the first numeric value, which is the total.
func (l *QueryLoader) readHeader() error {
	maxOpts := l.MaxOpts
	if maxOpts <= 0 {
		maxOpts = DefaultMaxOpts
	}
	l.props = make(map[string]string)

	value, ok, err := l.nextValue()
	if err != nil {
		return err
	}
	for i := 0; i < maxOpts && ok && l.batchRef == "" && !numeric.MatchString(value); i++ {
		if m := customOption.FindStringSubmatch(value); m != nil {
			role := m[1]
			if role == config.XQueryModule {
				role = config.ProcessModule
			}
			l.props[role+"."+m[2]] = m[3]
		} else {
			l.batchRef = value
		}
		if value, ok, err = l.nextValue(); err != nil {
			return err
		}
	}

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTotalCount, l.Module)
	}
	total, err := strconv.Atoi(value)
	if err != nil || total < 0 {
		return fmt.Errorf("%w: %s returned %q", ErrNoTotalCount, l.Module, value)
	}
	l.total = total
	return nil
}

func (l *QueryLoader) nextValue() (string, bool, error) {
	if !l.res.Next() {
		if err := l.res.Err(); err != nil {
			return "", false, &LoadError{Op: "header", Err: err}
		}
		return "", false, nil
	}
	return strings.TrimSpace(l.res.Item().Value), true, nil
}

func (l *QueryLoader) Total() int       { return l.total }
func (l *QueryLoader) BatchRef() string { return l.batchRef }
func (l *QueryLoader) URI() string      { return l.cur }
func (l *QueryLoader) Err() error       { return l.err }

// Properties returns the options reported by the module.
func (l *QueryLoader) Properties() map[string]string { return maps.Clone(l.props) }

func (l *QueryLoader) Next(ctx context.Context) bool {
	if l.res == nil || l.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		l.err = err
		return false
	}
	if !l.res.Next() {
		if err := l.res.Err(); err != nil {
			l.err = &LoadError{Op: "next", Err: err}
		}
		return false
	}
	l.cur = l.Replacer.Apply(l.res.Item().Value)
	return true
}

// Close releases the result and the session.
func (l *QueryLoader) Close() error {
	var errs []error
	if l.res != nil {
		errs = append(errs, l.res.Close())
		l.res = nil
	}
	if l.session != nil {
		errs = append(errs, l.session.Close())
		l.session = nil
	}
	return errors.Join(errs...)
}
