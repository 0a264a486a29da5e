package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/core"
)

func proxiedService(name, deploymentID, pooled string, labels map[string]string, ports ...corev1.ServicePort) *corev1.Service {
	l := map[string]string{
		LabelEnabled:      "true",
		LabelDatabaseType: string(core.DatabaseTypePostgresql),
		LabelDeploymentID: deploymentID,
		LabelPooled:       pooled,
	}
	for k, v := range labels {
		l[k] = v
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "databases", Labels: l},
		Spec:       corev1.ServiceSpec{Ports: ports},
	}
}

func newTestResolver(t *testing.T, objects ...*corev1.Service) (*K8sResolver, *fake.Clientset) {
	t.Helper()

	clientset := fake.NewSimpleClientset()
	for _, svc := range objects {
		_, err := clientset.CoreV1().Services(svc.Namespace).Create(context.Background(), svc, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := NewK8sResolver(ctx, clientset)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, clientset
}

func TestK8sResolver_Resolve(t *testing.T) {
	r, _ := newTestResolver(t,
		proxiedService("db1-direct", "db1", "false", nil, corev1.ServicePort{Name: "pg", Port: 5432}),
		proxiedService("db1-pooler", "db1", "true", nil, corev1.ServicePort{Name: "pgbouncer", Port: 6432}),
		proxiedService("db2-mongo", "db2", "false", map[string]string{LabelDatabaseType: "mongodb"}, corev1.ServicePort{Port: 27017}),
		proxiedService("db3-disabled", "db3", "false", map[string]string{LabelEnabled: "false"}, corev1.ServicePort{Port: 5432}),
		proxiedService("db4-multi", "db4", "false", map[string]string{LabelDestinationPort: "postgres"},
			corev1.ServicePort{Name: "metrics", Port: 9187},
			corev1.ServicePort{Name: "postgres", Port: 5433},
		),
		proxiedService("db5-by-number", "db5", "false", map[string]string{LabelDestinationPort: "5434"},
			corev1.ServicePort{Name: "metrics", Port: 9187},
			corev1.ServicePort{Name: "pg", Port: 5434},
		),
		proxiedService("db6-noports", "db6", "false", nil),
	)

	tests := []struct {
		name     string
		metadata core.RoutingMetadata
		want     string
		wantErr  bool
	}{
		{name: "direct", metadata: core.RoutingMetadata{"deployment_id": "db1", "pooled": "false"}, want: "db1-direct.databases.svc.cluster.local:5432"},
		{name: "pooled", metadata: core.RoutingMetadata{"deployment_id": "db1", "pooled": "true"}, want: "db1-pooler.databases.svc.cluster.local:6432"},
		{name: "other database type", metadata: core.RoutingMetadata{"deployment_id": "db2", "pooled": "false"}, wantErr: true},
		{name: "disabled", metadata: core.RoutingMetadata{"deployment_id": "db3", "pooled": "false"}, wantErr: true},
		{name: "destination port by name", metadata: core.RoutingMetadata{"deployment_id": "db4", "pooled": "false"}, want: "db4-multi.databases.svc.cluster.local:5433"},
		{name: "destination port by number", metadata: core.RoutingMetadata{"deployment_id": "db5", "pooled": "false"}, want: "db5-by-number.databases.svc.cluster.local:5434"},
		{name: "no ports", metadata: core.RoutingMetadata{"deployment_id": "db6", "pooled": "false"}, wantErr: true},
		{name: "missing deployment", metadata: core.RoutingMetadata{"pooled": "false"}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tc.metadata, core.DatabaseTypePostgresql)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestK8sResolver_SeesServicesCreatedLater(t *testing.T) {
	r, clientset := newTestResolver(t)

	md := core.RoutingMetadata{"deployment_id": "late", "pooled": "false"}
	_, err := r.Resolve(context.Background(), md, core.DatabaseTypePostgresql)
	require.Error(t, err)

	svc := proxiedService("late", "late", "false", nil, corev1.ServicePort{Port: 5432})
	_, err = clientset.CoreV1().Services(svc.Namespace).Create(context.Background(), svc, metav1.CreateOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		addr, err := r.Resolve(context.Background(), md, core.DatabaseTypePostgresql)
		return err == nil && addr == "late.databases.svc.cluster.local:5432"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestK8sResolver_CloseIsIdempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	r.Close()
	r.Close()
}
