package filesystem

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
)

// FileTLSProvider reads and writes the server key pair as PEM files.
type FileTLSProvider struct {
	CertFile string
	KeyFile  string
}

func NewFileTLSProvider(certFile, keyFile string) *FileTLSProvider {
	return &FileTLSProvider{
		CertFile: certFile,
		KeyFile:  keyFile,
	}
}

func (p *FileTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair from %s, %s: %w", p.CertFile, p.KeyFile, err)
	}
	return &cert, nil
}

// Store writes both files, creating their directories if needed.
// The key is written before the certificate so a reader never sees a new
// certificate paired with a stale key.
func (p *FileTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	for _, path := range []string{p.KeyFile, p.CertFile} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(p.KeyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.WriteFile(p.CertFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write cert file: %w", err)
	}
	return nil
}
