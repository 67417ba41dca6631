package params

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"strings"
)

// TLSPolicy configures server verification for one request.
type TLSPolicy struct {
	// Insecure skips certificate and host verification.
	Insecure bool
	// RootCAFiles adds PEM bundles to the system pool.
	RootCAFiles []string
	// AllowedHosts, when set, restricts which server names are accepted.
	AllowedHosts []string
	MinVersion   uint16
}

// Key identifies policies that may share a transport.
func (t *TLSPolicy) Key() string {
	if t == nil {
		return "default"
	}
	var sb strings.Builder
	if t.Insecure {
		sb.WriteString("insecure;")
	}
	sb.WriteString(strings.Join(t.RootCAFiles, ","))
	sb.WriteString(";")
	sb.WriteString(strings.Join(t.AllowedHosts, ","))
	return sb.String()
}

// Config builds the tls.Config for the policy. A nil policy returns nil.
func (t *TLSPolicy) Config() (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.MinVersion != 0 {
		cfg.MinVersion = t.MinVersion
	}
	if t.Insecure {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if len(t.RootCAFiles) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		for _, path := range t.RootCAFiles {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, errors.New("no certificates found in " + path)
			}
		}
		cfg.RootCAs = pool
	}

	if len(t.AllowedHosts) > 0 {
		allowed := make(map[string]bool, len(t.AllowedHosts))
		for _, h := range t.AllowedHosts {
			allowed[strings.ToLower(h)] = true
		}
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if !allowed[strings.ToLower(cs.ServerName)] {
				return errors.New("server name not allowed: " + cs.ServerName)
			}
			return nil
		}
	}
	return cfg, nil
}
