// Package crypt provides the decrypters applied to connection options before
// a job connects. Values that do not decrypt are passed through unchanged so
// plain text and encrypted options can be mixed in one options file.
package crypt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/marklogic/corb2/internal/config"
)

// Decrypter turns a stored option value into its clear-text form.
type Decrypter interface {
	Decrypt(name, value string) (string, error)
}

// None returns values unchanged.
type None struct{}

func (None) Decrypt(_, value string) (string, error) { return value, nil }

// New returns the decrypter selected by the DECRYPTER option.
func New(name string) (Decrypter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None{}, nil
	case "host-key", "hostkey":
		return DetectHostKey()
	default:
		return nil, fmt.Errorf("unknown decrypter %q", name)
	}
}

// ProtectedOptions are decrypted before use.
var ProtectedOptions = []string{
	config.XCCConnectionURI,
	config.XCCUsername,
	config.XCCPassword,
	config.XCCHostname,
	config.XCCPort,
	config.XCCDBName,
}

// DecryptOptions replaces every protected option in o with its decrypted value.
func DecryptOptions(o *config.Options, d Decrypter) error {
	for _, key := range ProtectedOptions {
		v, ok := o.Lookup(key)
		if !ok || v == "" {
			continue
		}
		clear, err := d.Decrypt(key, v)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", key, err)
		}
		if clear != v {
			slog.Debug("decrypted option", "option", key)
		}
		o.Set(key, clear)
	}
	return nil
}
