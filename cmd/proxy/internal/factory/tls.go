package factory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/storage/filesystem"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/utils"
)

// TLSFactory creates TLS providers based on configuration
type TLSFactory struct {
	cfg *config.Config
}

// NewTLSFactory creates a new TLS factory
func NewTLSFactory(cfg *config.Config) *TLSFactory {
	return &TLSFactory{cfg: cfg}
}

// Create creates a TLS provider based on configuration
func (f *TLSFactory) Create(ctx context.Context, clientset k8s.Interface) (core.TLSProvider, error) {
	switch f.cfg.TLSMode {
	case config.TLSModeFile:
		return f.createFileProvider()
	case config.TLSModeKubernetes:
		return f.createKubernetesProvider(clientset)
	case config.TLSModeMemory:
		return f.createMemoryProvider()
	default:
		return nil, fmt.Errorf("unknown TLS mode: %s", f.cfg.TLSMode)
	}
}

func (f *TLSFactory) createFileProvider() (core.TLSProvider, error) {
	logger.Info("Creating File-based TLS Provider",
		"cert", f.cfg.TLSCertFile,
		"key", f.cfg.TLSKeyFile)
	return filesystem.NewFileTLSProvider(f.cfg.TLSCertFile, f.cfg.TLSKeyFile), nil
}

func (f *TLSFactory) createKubernetesProvider(clientset k8s.Interface) (core.TLSProvider, error) {
	if clientset == nil {
		return nil, fmt.Errorf("kubernetes TLS mode requires kubernetes client (use DISCOVERY_MODE=kubernetes or provide KUBECONFIG)")
	}

	logger.Info("Creating Kubernetes TLS Provider",
		"namespace", f.cfg.Namespace,
		"secret", f.cfg.TLSSecretName)

	return kubernetes.NewK8sTLSProvider(clientset, f.cfg.Namespace, f.cfg.TLSSecretName), nil
}

func (f *TLSFactory) createMemoryProvider() (core.TLSProvider, error) {
	logger.Info("Creating Memory TLS Provider")
	return memory.NewMemoryTLSProvider(), nil
}

// EnsureCertificate loads the server certificate, generating it when missing
// and renewing it when it expires within the configured threshold.
func (f *TLSFactory) EnsureCertificate(ctx context.Context, provider core.TLSProvider) (*tls.Certificate, error) {
	cert, err := provider.GetCertificate(ctx)

	// Certificate doesn't exist
	if err != nil {
		if !f.cfg.TLSAutoGenerate {
			return nil, fmt.Errorf("certificate not found and TLS_AUTO_GENERATE=false: %w", err)
		}
		logger.Info("Certificate not found. Generating new self-signed certificate...")
		return f.generateAndStoreCertificate(ctx, provider)
	}

	if !f.cfg.TLSAutoRenew {
		logger.Info("Certificate validation skipped (TLS_AUTO_RENEW=false)")
		return cert, nil
	}

	expiring, notAfter, err := CertificateExpiresWithin(cert, f.cfg.TLSRenewalThresholdDays)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect certificate: %w", err)
	}
	if expiring {
		logger.Warn("Certificate expires soon, renewing", "not_after", notAfter, "threshold_days", f.cfg.TLSRenewalThresholdDays)
		return f.generateAndStoreCertificate(ctx, provider)
	}

	logger.Info("Certificate loaded and validated successfully", "not_after", notAfter)
	return cert, nil
}

func (f *TLSFactory) generateAndStoreCertificate(ctx context.Context, provider core.TLSProvider) (*tls.Certificate, error) {
	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	// Store the certificate (handles race condition for Kubernetes secrets)
	if err := provider.Store(ctx, certPEM, keyPEM); err != nil {
		// If store fails (possibly due to race condition), try to load again
		logger.Warn("Failed to store certificate, attempting to load existing cert", "error", err)
		cert, loadErr := provider.GetCertificate(ctx)
		if loadErr != nil {
			return nil, fmt.Errorf("failed to load certificate after store failure: %w", loadErr)
		}
		logger.Info("Successfully loaded certificate created by another instance")
		return cert, nil
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	logger.Info("Successfully generated and stored self-signed certificate")
	return &cert, nil
}

// CertificateExpiresWithin reports whether the leaf certificate of cert
// expires within thresholdDays, along with its expiry time.
func CertificateExpiresWithin(cert *tls.Certificate, thresholdDays int) (bool, time.Time, error) {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return false, time.Time{}, fmt.Errorf("certificate chain is empty")
		}
		var err error
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return false, time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}

	threshold := time.Now().AddDate(0, 0, thresholdDays)
	return leaf.NotAfter.Before(threshold), leaf.NotAfter, nil
}
