package conn

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// buildTLSConfig turns a Forward decision's ssl_opts into a *tls.Config,
// recognizing the same option names the source's ssl_args carries:
// certfile/keyfile (client certificate), ca_certs (trusted roots), plus
// server_name and insecure_skip_verify for the cases ssl_args alone can't
// express. TLS mechanics are otherwise out of scope (spec §1); this is
// only enough to make the wrap point in forward() usable.
func buildTLSConfig(opts map[string]string) (*tls.Config, error) {
	cfg := &tls.Config{}

	if certFile, keyFile := opts["certfile"], opts["keyfile"]; certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("conn: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile := opts["ca_certs"]; caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("conn: read ca_certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("conn: no certificates parsed from ca_certs %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if sn := opts["server_name"]; sn != "" {
		cfg.ServerName = sn
	}

	if opts["insecure_skip_verify"] == "true" {
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}
