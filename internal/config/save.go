package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magiconair/properties"
)

// Save persists the options to a properties file with keys in sorted order.
// Creates parent directories if they don't exist.
func Save(o *Options, path string) error {
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, k := range o.Keys() {
		if _, _, err := p.Set(k, o.values[k]); err != nil {
			return fmt.Errorf("setting %s: %w", k, err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := p.Write(f, properties.UTF8); err != nil {
		f.Close()
		return fmt.Errorf("writing options to %s: %w", path, err)
	}
	return f.Close()
}
