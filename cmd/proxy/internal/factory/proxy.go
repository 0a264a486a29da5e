package factory

import (
	"context"
	"crypto/tls"
	"fmt"

	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
	postgresql_proxy "github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/proxy/postgresql"
)

// ProxyFactory builds the complete connection pipeline: backend discovery,
// TLS material and the protocol-specific handler. It implements
// core.HandlerFactory so the pipeline can be built lazily.
type ProxyFactory struct {
	cfg       *config.Config
	resolvers *ResolverFactory
	tls       *TLSFactory
}

var _ core.HandlerFactory = (*ProxyFactory)(nil)

// NewProxyFactory creates a new proxy factory
func NewProxyFactory(cfg *config.Config) *ProxyFactory {
	return &ProxyFactory{
		cfg:       cfg,
		resolvers: NewResolverFactory(cfg),
		tls:       NewTLSFactory(cfg),
	}
}

// WithClientset uses clientset for Kubernetes discovery and TLS secrets.
func (f *ProxyFactory) WithClientset(clientset k8s.Interface) *ProxyFactory {
	f.resolvers.WithClientset(clientset)
	return f
}

// Create implements core.HandlerFactory. The build is bounded by the
// configured BUILD_TIMEOUT.
func (f *ProxyFactory) Create() (core.ConnectionHandler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.BuildTimeout)
	defer cancel()
	return f.CreateContext(ctx)
}

// CreateContext builds a connection handler from scratch. On failure,
// everything started along the way is stopped again, so calling it again is
// safe.
func (f *ProxyFactory) CreateContext(ctx context.Context) (core.ConnectionHandler, error) {
	switch core.DatabaseType(f.cfg.DatabaseType) {
	case core.DatabaseTypePostgresql:
	case core.DatabaseTypeMySQL:
		return nil, fmt.Errorf("MySQL proxy not yet implemented")
	case core.DatabaseTypeMongoDB:
		return nil, fmt.Errorf("MongoDB proxy not yet implemented")
	default:
		return nil, fmt.Errorf("unknown database type: %s", f.cfg.DatabaseType)
	}

	resolver, clientset, err := f.resolvers.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend resolver: %w", err)
	}

	tlsConfig, err := f.buildTLSConfig(ctx, clientset)
	if err != nil {
		closeResolver(resolver)
		return nil, err
	}

	return f.createPostgreSQLProxy(tlsConfig, resolver), nil
}

// buildTLSConfig returns nil when TLS is disabled.
func (f *ProxyFactory) buildTLSConfig(ctx context.Context, clientset k8s.Interface) (*tls.Config, error) {
	if !f.cfg.TLSEnabled {
		logger.Warn("TLS is disabled. Connections will not be encrypted!")
		return nil, nil
	}

	provider, err := f.tls.Create(ctx, clientset)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS provider: %w", err)
	}

	cert, err := f.tls.EnsureCertificate(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate for PostgreSQL proxy: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (f *ProxyFactory) createPostgreSQLProxy(tlsConfig *tls.Config, resolver core.BackendResolver) core.ConnectionHandler {
	logger.Info("Creating PostgreSQL Proxy Handler", "tls_enabled", tlsConfig != nil)

	return &postgresql_proxy.PostgresProxy{
		TLSConfig: tlsConfig,
		Resolver:  resolver,
	}
}

func closeResolver(resolver core.BackendResolver) {
	if c, ok := resolver.(interface{ Close() }); ok {
		c.Close()
	}
}
