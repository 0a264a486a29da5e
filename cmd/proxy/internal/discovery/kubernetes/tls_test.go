package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/hasirciogluhq/lazyproxy/cmd/proxy/internal/utils"
)

func TestK8sTLSProvider_StoreAndGet(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset()
	p := NewK8sTLSProvider(clientset, "proxy", "proxy-tls")

	_, err := p.GetCertificate(ctx)
	require.Error(t, err, "secret does not exist yet")

	certPEM, keyPEM, err := utils.GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, certPEM, keyPEM))

	secret, err := clientset.CoreV1().Secrets("proxy").Get(ctx, "proxy-tls", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.SecretTypeTLS, secret.Type)
	assert.Equal(t, certPEM, secret.Data[corev1.TLSCertKey])

	cert, err := p.GetCertificate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// A second Store replaces the existing secret.
	certPEM2, keyPEM2, err := utils.GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NoError(t, p.Store(ctx, certPEM2, keyPEM2))

	secret, err = clientset.CoreV1().Secrets("proxy").Get(ctx, "proxy-tls", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, certPEM2, secret.Data[corev1.TLSCertKey])
}

func TestK8sTLSProvider_IncompleteSecret(t *testing.T) {
	ctx := context.Background()
	clientset := fake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "proxy-tls", Namespace: "proxy"},
		Data:       map[string][]byte{corev1.TLSCertKey: []byte("cert only")},
	})
	p := NewK8sTLSProvider(clientset, "proxy", "proxy-tls")

	_, err := p.GetCertificate(ctx)
	assert.ErrorContains(t, err, corev1.TLSPrivateKeyKey)
}
