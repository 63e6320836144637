// Package tlsutil builds client TLS configurations for the broker and
// rosbridge connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/topicbridge/errors"
)

// ClientConfig describes the TLS settings of an outbound connection.
// CAFiles are trusted in addition to the system pool. CertFile and KeyFile
// enable mutual TLS when both are set.
type ClientConfig struct {
	CAFiles            []string
	CertFile           string
	KeyFile            string
	MinVersion         string // "1.2" or "1.3"
	InsecureSkipVerify bool   // tests only
}

// LoadClientTLSConfig creates a tls.Config from cfg.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}

	for _, caFile := range cfg.CAFiles {
		if caFile == "" {
			continue
		}
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil",
				"LoadClientTLSConfig",
				fmt.Sprintf("parse CA certificate from %s", caFile),
			)
		}
	}
	tlsConfig.RootCAs = rootCAs

	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		clientCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "LoadClientTLSConfig", "load client certificate")
	}

	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	return tlsConfig, nil
}

// parseTLSVersion returns tls.VersionTLS12 unless version is "1.3".
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
