// Package certs generates a throwaway self-signed certificate with the
// external OpenSSL binary when TLS is enabled without configured cert/key
// paths.
package certs

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// Generated is a self-signed cert/key pair in a temporary directory the
// caller removes on shutdown.
type Generated struct {
	Dir      string
	CertPath string
	KeyPath  string
}

// GenerateSelfSigned produces a cert/key pair via the given OpenSSL binary.
func GenerateSelfSigned(opensslBin string, days int, subject string) (*Generated, error) {
	if opensslBin == "" {
		opensslBin = "openssl"
	}
	if days <= 0 {
		days = 365
	}
	dir, err := os.MkdirTemp("", "fnsched-certs-")
	if err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	cmd := exec.Command(opensslBin,
		"req", "-x509", "-newkey", "rsa:2048", "-nodes",
		"-keyout", keyPath,
		"-out", certPath,
		"-days", strconv.Itoa(days),
		"-subj", subject,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("generate self-signed certificate: %w: %s", err, output)
	}

	return &Generated{Dir: dir, CertPath: certPath, KeyPath: keyPath}, nil
}

// Cleanup removes the generated certificate directory.
func (g *Generated) Cleanup() {
	if g != nil && g.Dir != "" {
		os.RemoveAll(g.Dir)
	}
}
