package memory

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
)

// MemoryTLSProvider keeps the server certificate in process memory.
// Intended for development: a generated certificate does not survive restarts.
type MemoryTLSProvider struct {
	cert *tls.Certificate
	mu   sync.RWMutex
}

func NewMemoryTLSProvider() *MemoryTLSProvider {
	return &MemoryTLSProvider{}
}

// GetCertificate returns os.ErrNotExist until a certificate has been stored.
func (p *MemoryTLSProvider) GetCertificate(ctx context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cert == nil {
		return nil, os.ErrNotExist
	}
	return p.cert, nil
}

func (p *MemoryTLSProvider) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse x509 key pair: %w", err)
	}

	p.mu.Lock()
	p.cert = &cert
	p.mu.Unlock()
	return nil
}
