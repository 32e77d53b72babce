package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that carry options.
const EnvPrefix = "CORB_"

// Sources lists where Load reads options from.
type Sources struct {
	// File is an options file (.properties, .yaml or .yml). When empty the
	// OPTIONS-FILE value from Environ or Overrides is used, if any.
	File string
	// Environ is a list of KEY=VALUE pairs, typically os.Environ().
	Environ []string
	// Overrides take precedence over everything else.
	Overrides map[string]string
}

// Load builds options from, lowest to highest precedence: defaults, the
// options file, CORB_ environment variables and explicit overrides.
func Load(src Sources) (*Options, error) {
	o := NewOptions()

	env := envOptions(src.Environ)

	file := src.File
	if file == "" {
		file = strings.TrimSpace(src.Overrides[OptionsFile])
	}
	if file == "" {
		file = strings.TrimSpace(env[OptionsFile])
	}

	if file != "" {
		m, err := readOptionsFile(file)
		if err != nil {
			return nil, fmt.Errorf("loading options file: %w", err)
		}
		o.Merge(m)
		o.Set(OptionsFile, file)
	}

	o.Merge(env)
	o.Merge(src.Overrides)
	o.normalize()

	return o, nil
}

// envOptions converts CORB_THREAD_COUNT style variables to THREAD-COUNT.
// Underscores after the first '.' are kept so custom variable names survive.
func envOptions(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, EnvPrefix)
		if name == "" {
			continue
		}
		head, tail, dotted := strings.Cut(name, ".")
		head = strings.ReplaceAll(head, "_", "-")
		if dotted {
			name = head + "." + tail
		} else {
			name = head
		}
		out[name] = v
	}
	return out
}

func readOptionsFile(path string) (map[string]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return readYAML(path)
	default:
		return readProperties(path)
	}
}

func readProperties(path string) (map[string]string, error) {
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return p.Map(), nil
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make(map[string]string)
	flatten("", doc, out)
	return out, nil
}

// flatten turns nested YAML mappings into dotted keys, so
//
//	PROCESS-MODULE:
//	  greeting: hi
//
// becomes PROCESS-MODULE.greeting=hi.
func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			flatten(key, val, out)
		case nil:
			out[key] = ""
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}
