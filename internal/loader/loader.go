// Package loader provides the URI sources that feed a job: a URIs module on
// the server, a local file, or an in-memory slice. Sources are read like a
// bufio.Scanner:
//
//	if err := l.Open(ctx); err != nil { ... }
//	defer l.Close()
//	for l.Next(ctx) {
//		use(l.URI())
//	}
//	if err := l.Err(); err != nil { ... }
package loader

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/marklogic/corb2/internal/client"
	"github.com/marklogic/corb2/internal/config"
)

var (
	// ErrInvalidReplacePattern reports an odd-length or uncompilable
	// URIS-REPLACE-PATTERN.
	ErrInvalidReplacePattern = errors.New("invalid URIS-REPLACE-PATTERN")
	// ErrNoTotalCount reports a URIs module that did not return its count.
	ErrNoTotalCount = errors.New("uris module does not return total URI count")
	// ErrNoSource means neither URIS-MODULE nor URIS-FILE is configured.
	ErrNoSource = errors.New("no URIS-MODULE or URIS-FILE configured")
)

// LoadError is a failure to read from the URI source. It aborts the job and
// is never retried.
type LoadError struct {
	Op  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading uris (%s): %v", e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader streams URIs.
type Loader interface {
	Open(ctx context.Context) error
	// Total is the number of URIs reported at Open.
	Total() int
	// BatchRef is the batch reference reported at Open, if any.
	BatchRef() string
	// Properties are job options reported by the source at Open.
	Properties() map[string]string
	Next(ctx context.Context) bool
	URI() string
	Err() error
	Close() error
}

// New selects the loader configured in snap: URIS-MODULE wins over
// URIS-FILE.
func New(src client.ContentSource, snap config.Snapshot) (Loader, error) {
	replacer, err := ParseReplacePattern(snap.Get(config.URIsReplacePattern))
	if err != nil {
		return nil, err
	}

	switch {
	case snap.Get(config.URIsModule) != "":
		maxOpts, err := snap.Int(config.MaxOptsFromModule, DefaultMaxOpts)
		if err != nil {
			return nil, err
		}
		return &QueryLoader{
			Source:     src,
			Module:     snap.Get(config.URIsModule),
			ModuleRoot: snap.Get(config.ModuleRoot),
			Collection: snap.Get(config.CollectionName),
			Variables:  snap.RoleVariables(config.URIsModule),
			MaxOpts:    maxOpts,
			Replacer:   replacer,
		}, nil
	case snap.Get(config.URIsFile) != "":
		return &FileLoader{Path: snap.Get(config.URIsFile), Replacer: replacer}, nil
	default:
		return nil, ErrNoSource
	}
}

// Replacer applies ordered regex/replacement pairs to each URI.
type Replacer struct {
	pairs []replacement
}

type replacement struct {
	re   *regexp.Regexp
	with string
}

// ParseReplacePattern parses "regex,replacement,regex,replacement...".
// An empty pattern yields a no-op Replacer.
func ParseReplacePattern(pattern string) (*Replacer, error) {
	r := &Replacer{}
	if strings.TrimSpace(pattern) == "" {
		return r, nil
	}
	parts := strings.Split(pattern, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: %q has an odd number of elements", ErrInvalidReplacePattern, pattern)
	}
	for i := 0; i < len(parts); i += 2 {
		re, err := regexp.Compile(parts[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidReplacePattern, err)
		}
		r.pairs = append(r.pairs, replacement{re: re, with: parts[i+1]})
	}
	return r, nil
}

// Apply returns uri with every replacement applied in order.
func (r *Replacer) Apply(uri string) string {
	if r == nil {
		return uri
	}
	for _, p := range r.pairs {
		uri = p.re.ReplaceAllString(uri, p.with)
	}
	return uri
}
