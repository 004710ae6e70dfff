package security

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/repository"
)

func TestSaveLoadAndRemoveCertRoundTrip(t *testing.T) {
	require.NoError(t, SetClusterEncryptionKey(DeriveKeyFromClusterID("certs-fleet")))

	store, err := repository.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	tlsCert, err := ca.IssueAgentCertificate("agent-01", []string{"server-01.internal"}, nil)
	require.NoError(t, err)

	certDir := t.TempDir()
	require.NoError(t, SaveCertToFile(tlsCert, certDir))
	require.NoError(t, SaveCACertToFile(ca.GetRootCACert(), certDir))

	assert.True(t, CertExists(certDir))

	loaded, err := LoadCertFromFile(certDir)
	require.NoError(t, err)
	assert.Equal(t, tlsCert.Leaf.SerialNumber, loaded.Leaf.SerialNumber)

	caCert, err := LoadCACertFromFile(certDir)
	require.NoError(t, err)
	assert.Equal(t, ca.GetRootCACert(), caCert.Raw)

	require.NoError(t, ValidateCertChain(loaded.Leaf, caCert))

	require.NoError(t, RemoveCerts(certDir))
	assert.False(t, CertExists(certDir))
}

func TestCertNeedsRotation(t *testing.T) {
	assert.True(t, CertNeedsRotation(nil))

	soon := &x509.Certificate{NotAfter: time.Now().Add(5 * 24 * time.Hour)}
	far := &x509.Certificate{NotAfter: time.Now().Add(200 * 24 * time.Hour)}

	assert.True(t, CertNeedsRotation(soon))
	assert.False(t, CertNeedsRotation(far))
}

func TestGetCertExpiryAndTimeRemaining(t *testing.T) {
	assert.True(t, GetCertExpiry(nil).IsZero())
	assert.Equal(t, time.Duration(0), GetCertTimeRemaining(nil))
}
