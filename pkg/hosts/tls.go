package hosts

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// clientTLS builds a mutual TLS configuration from PEM strings held in memory.
func clientTLS(caPEM, certPEM, keyPEM string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return nil, errors.New("no certificates found in CA PEM")
		}
		cfg.RootCAs = pool
	}
	if certPEM != "" || keyPEM != "" {
		pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("invalid client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
