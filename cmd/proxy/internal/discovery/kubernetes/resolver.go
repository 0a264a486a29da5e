package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
)

// Service labels read by the resolver.
const (
	LabelEnabled         = "xdatabase-proxy-enabled"
	LabelDatabaseType    = "xdatabase-proxy-database-type"
	LabelDeploymentID    = "xdatabase-proxy-deployment-id"
	LabelPooled          = "xdatabase-proxy-pooled"
	LabelDestinationPort = "xdatabase-proxy-destination-port"
)

const informerResync = 10 * time.Minute

// K8sResolver finds backends among Services labelled for the proxy, using an
// informer cache so lookups never hit the API server.
type K8sResolver struct {
	store   cache.Store
	factory informers.SharedInformerFactory

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewK8sResolver starts a Service informer and waits for its first sync.
// ctx bounds only the wait; the informer runs until Close.
func NewK8sResolver(ctx context.Context, clientset kubernetes.Interface) (*K8sResolver, error) {
	factory := informers.NewSharedInformerFactory(clientset, informerResync)
	serviceInformer := factory.Core().V1().Services().Informer()

	r := &K8sResolver{
		store:   serviceInformer.GetStore(),
		factory: factory,
		stopCh:  make(chan struct{}),
	}

	factory.Start(r.stopCh)
	if !cache.WaitForCacheSync(ctx.Done(), serviceInformer.HasSynced) {
		r.Close()
		return nil, fmt.Errorf("service informer cache did not sync: %w", ctx.Err())
	}

	return r, nil
}

// Close stops the informer. It is safe to call more than once.
func (r *K8sResolver) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.factory.Shutdown()
	})
}

func (r *K8sResolver) Resolve(ctx context.Context, metadata core.RoutingMetadata, databaseType core.DatabaseType) (string, error) {
	deploymentID, ok := metadata["deployment_id"]
	if !ok {
		return "", fmt.Errorf("metadata missing 'deployment_id' (check connection string format: user.deployment_id[.pool])")
	}
	pooled := metadata["pooled"] // "true" or "false"

	// Scan services for matching labels
	for _, obj := range r.store.List() {
		svc, ok := obj.(*corev1.Service)
		if !ok {
			continue
		}

		labels := svc.Labels
		if labels[LabelEnabled] != "true" {
			continue
		}
		if labels[LabelDatabaseType] != string(databaseType) {
			continue
		}
		if labels[LabelDeploymentID] != deploymentID || labels[LabelPooled] != pooled {
			continue
		}

		port := servicePort(svc, labels[LabelDestinationPort])
		if port == 0 {
			continue
		}

		return fmt.Sprintf("%s.%s.svc.cluster.local:%d", svc.Name, svc.Namespace, port), nil
	}

	return "", fmt.Errorf("service not found for deployment_id='%s', pooled='%s'", deploymentID, pooled)
}

// servicePort picks the port named or numbered by want, or the first port
// when want is empty. It returns 0 when nothing matches.
func servicePort(svc *corev1.Service, want string) int32 {
	if len(svc.Spec.Ports) == 0 {
		return 0
	}
	if want == "" {
		return svc.Spec.Ports[0].Port
	}

	for _, p := range svc.Spec.Ports {
		if p.Name == want || strconv.Itoa(int(p.Port)) == want {
			return p.Port
		}
	}
	return 0
}
