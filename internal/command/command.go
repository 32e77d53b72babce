// Package command reads operator directives from a control file. The file
// is a properties file with two recognised keys:
//
//	COMMAND=PAUSE|HOLD|SUSPEND|RESUME|STOP
//	THREAD-COUNT=<positive integer>
//
// A directive is applied once per detected change of the file.
package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"github.com/marklogic/corb2/internal/config"
)

// Kind is the command part of a directive.
type Kind int

const (
	None Kind = iota
	Pause
	Resume
	Stop
)

func (k Kind) String() string {
	switch k {
	case Pause:
		return "PAUSE"
	case Resume:
		return "RESUME"
	case Stop:
		return "STOP"
	default:
		return ""
	}
}

// ParseKind accepts the command names case-insensitively. HOLD and SUSPEND
// are synonyms for PAUSE.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return None, nil
	case "PAUSE", "HOLD", "SUSPEND":
		return Pause, nil
	case "RESUME":
		return Resume, nil
	case "STOP":
		return Stop, nil
	default:
		return None, fmt.Errorf("unknown command %q", s)
	}
}

// Directive is what one version of the control file asks for. A zero
// ThreadCount leaves the pool size unchanged.
type Directive struct {
	Command     Kind
	ThreadCount int
}

// Empty reports whether d asks for nothing.
func (d Directive) Empty() bool { return d.Command == None && d.ThreadCount == 0 }

func (d Directive) String() string {
	var parts []string
	if d.Command != None {
		parts = append(parts, config.Command+"="+d.Command.String())
	}
	if d.ThreadCount > 0 {
		parts = append(parts, config.ThreadCount+"="+strconv.Itoa(d.ThreadCount))
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, " ")
}

// Parse builds a directive from control file properties. Invalid values are
// reported together; valid parts are still returned.
func Parse(props map[string]string) (Directive, error) {
	var (
		d    Directive
		errs []error
	)
	kind, err := ParseKind(props[config.Command])
	if err != nil {
		errs = append(errs, err)
	}
	d.Command = kind

	if s := strings.TrimSpace(props[config.ThreadCount]); s != "" {
		n, err := strconv.Atoi(s)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", config.ThreadCount, err))
		case n < 1:
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", config.ThreadCount, n))
		default:
			d.ThreadCount = n
		}
	}
	return d, errors.Join(errs...)
}

// Read loads and parses the control file.
func Read(path string) (Directive, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return Directive{}, err
	}
	return Parse(p.Map())
}

// Write replaces the control file with d. The file is renamed into place so
// a poller never sees a partial write.
func Write(path string, d Directive) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	if d.Command != None {
		p.Set(config.Command, d.Command.String())
	}
	if d.ThreadCount > 0 {
		p.Set(config.ThreadCount, strconv.Itoa(d.ThreadCount))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".corb-command-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := p.Write(tmp, properties.UTF8); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing command file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing command file: %w", err)
	}
	return nil
}
