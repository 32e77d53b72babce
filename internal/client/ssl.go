package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLS trust modes selected by SSL-CONFIG.
const (
	TrustDefault = "default"
	TrustAnyone  = "trust-anyone"
	TrustCAFile  = "ca-file"
)

// TLSConfig builds the client TLS settings for a trust mode. The default mode
// returns nil, meaning the system roots are used.
func TLSConfig(mode, caFile string) (*tls.Config, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", TrustDefault:
		return nil, nil
	case TrustAnyone:
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // explicitly requested
	case TrustCAFile:
		if caFile == "" {
			return nil, fmt.Errorf("ssl config %s requires SSL-CA-FILE", TrustCAFile)
		}
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		return &tls.Config{RootCAs: pool}, nil
	default:
		return nil, fmt.Errorf("unknown ssl config %q", mode)
	}
}
