package factory

import (
	"context"
	"fmt"
	"os"

	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/config"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/discovery/kubernetes"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/discovery/memory"
	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/logger"
)

// ResolverFactory creates backend resolvers based on configuration
type ResolverFactory struct {
	cfg       *config.Config
	clientset k8s.Interface // preset client, skips kubeconfig loading when set
}

// NewResolverFactory creates a new resolver factory
func NewResolverFactory(cfg *config.Config) *ResolverFactory {
	return &ResolverFactory{cfg: cfg}
}

// WithClientset makes the factory use clientset instead of building one from
// kubeconfig or in-cluster configuration.
func (f *ResolverFactory) WithClientset(clientset k8s.Interface) *ResolverFactory {
	f.clientset = clientset
	return f
}

// Create creates a backend resolver based on configuration.
// The returned clientset is nil for static discovery.
func (f *ResolverFactory) Create(ctx context.Context) (core.BackendResolver, k8s.Interface, error) {
	switch f.cfg.DiscoveryMode {
	case config.DiscoveryStatic:
		return f.createStaticResolver()
	case config.DiscoveryKubernetes:
		return f.createKubernetesResolver(ctx)
	default:
		return nil, nil, fmt.Errorf("unknown discovery mode: %s", f.cfg.DiscoveryMode)
	}
}

func (f *ResolverFactory) createStaticResolver() (core.BackendResolver, k8s.Interface, error) {
	logger.Info("Creating Static Backend Resolver", "backends", f.cfg.StaticBackends, "file", f.cfg.StaticBackendsFile)

	var (
		resolver *memory.Resolver
		err      error
	)
	if f.cfg.StaticBackendsFile != "" {
		resolver, err = memory.LoadResolverFile(f.cfg.StaticBackendsFile, f.cfg.StaticBackends)
	} else {
		resolver, err = memory.NewResolver(f.cfg.StaticBackends)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create static resolver: %w", err)
	}
	if resolver.Len() == 0 {
		logger.Warn("Static resolver has no backends, every connection will be rejected")
	}

	return resolver, nil, nil
}

func (f *ResolverFactory) createKubernetesResolver(ctx context.Context) (core.BackendResolver, k8s.Interface, error) {
	clientset := f.clientset
	if clientset == nil {
		var err error
		clientset, err = f.buildClientset()
		if err != nil {
			return nil, nil, err
		}
	}

	resolver, err := kubernetes.NewK8sResolver(ctx, clientset)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start kubernetes resolver: %w", err)
	}
	logger.Info("Kubernetes resolver created successfully")
	return resolver, clientset, nil
}

func (f *ResolverFactory) buildClientset() (k8s.Interface, error) {
	logger.Info("Creating Kubernetes Backend Resolver",
		"runtime", f.cfg.Runtime,
		"kubeconfig", f.cfg.KubeConfigPath,
		"context", f.cfg.KubeContext)

	kubeconfig := f.cfg.KubeConfigPath

	// For non-Kubernetes runtime, kubeconfig is required
	if f.cfg.Runtime != config.RuntimeKubernetes && kubeconfig == "" {
		if home := os.Getenv("HOME"); home != "" {
			kubeconfig = home + "/.kube/config"
		}
	}

	configOverrides := &clientcmd.ConfigOverrides{}
	if f.cfg.KubeContext != "" {
		configOverrides.CurrentContext = f.cfg.KubeContext
		logger.Info("Using specific Kubernetes context", "context", f.cfg.KubeContext)
	}

	var restConfig *rest.Config
	var err error

	// Try kubeconfig first (for VM/Container runtime or explicit config)
	if kubeconfig != "" {
		restConfig, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfig},
			configOverrides,
		).ClientConfig()

		if err != nil {
			logger.Warn("Failed to load kubeconfig, will try in-cluster config", "error", err)
		}
	}

	// Fallback to in-cluster config (for Kubernetes runtime)
	if restConfig == nil {
		logger.Info("Attempting in-cluster Kubernetes configuration")
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config (tried kubeconfig and in-cluster): %w", err)
		}
	}

	clientset, err := k8s.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}
