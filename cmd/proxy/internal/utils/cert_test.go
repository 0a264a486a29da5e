package utils

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	_, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err, "generated PEMs must form a usable key pair")

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.Equal(t, "lazyproxy", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.WithinDuration(t, time.Now().Add(SelfSignedValidity), cert.NotAfter, time.Minute)
}

func TestGenerateSelfSignedCert_UniqueSerials(t *testing.T) {
	a, _, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	b, _, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	blockA, _ := pem.Decode(a)
	blockB, _ := pem.Decode(b)
	certA, err := x509.ParseCertificate(blockA.Bytes)
	require.NoError(t, err)
	certB, err := x509.ParseCertificate(blockB.Bytes)
	require.NoError(t, err)

	assert.NotEqual(t, certA.SerialNumber, certB.SerialNumber)
}

func TestGenerateSelfSignedCertValidFor(t *testing.T) {
	certPEM, _, err := GenerateSelfSignedCertValidFor(48 * time.Hour)
	require.NoError(t, err)

	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(48*time.Hour), cert.NotAfter, time.Minute)
}
