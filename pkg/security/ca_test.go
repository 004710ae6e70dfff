package security

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfleet/controlplane/pkg/repository"
)

func newTestCA(t *testing.T) *CertAuthority {
	t.Helper()
	require.NoError(t, SetClusterEncryptionKey(DeriveKeyFromClusterID("test-fleet")))

	store, err := repository.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())
	return ca
}

func TestCertAuthorityInitialize(t *testing.T) {
	ca := newTestCA(t)
	assert.True(t, ca.IsInitialized())
	assert.NotEmpty(t, ca.GetRootCACert())
}

func TestCertAuthoritySaveAndLoadFromStore(t *testing.T) {
	require.NoError(t, SetClusterEncryptionKey(DeriveKeyFromClusterID("round-trip-fleet")))

	store, err := repository.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())
	require.NoError(t, ca.SaveToStore())

	reloaded := NewCertAuthority(store)
	require.NoError(t, reloaded.LoadFromStore())
	assert.Equal(t, ca.GetRootCACert(), reloaded.GetRootCACert())
}

func TestIssueAgentCertificateVerifies(t *testing.T) {
	ca := newTestCA(t)

	tlsCert, err := ca.IssueAgentCertificate("agent-01", []string{"server-01.internal"}, []net.IP{net.ParseIP("10.0.0.1")})
	require.NoError(t, err)
	require.NotNil(t, tlsCert.Leaf)

	assert.NoError(t, ca.VerifyCertificate(tlsCert.Leaf))

	cached, ok := ca.GetCachedCert("agent-01")
	assert.True(t, ok)
	assert.Equal(t, tlsCert.Leaf.NotAfter, cached.ExpiresAt)
}

func TestIssueClientCertificateVerifies(t *testing.T) {
	ca := newTestCA(t)

	tlsCert, err := ca.IssueClientCertificate("operator-1")
	require.NoError(t, err)
	require.NotNil(t, tlsCert.Leaf)
	assert.NoError(t, ca.VerifyCertificate(tlsCert.Leaf))
}

func TestVerifyCertificateRejectsForeignCert(t *testing.T) {
	caA := newTestCA(t)

	store, err := repository.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	caB := NewCertAuthority(store)
	require.NoError(t, caB.Initialize())

	foreignCert, err := caB.IssueAgentCertificate("agent-99", nil, nil)
	require.NoError(t, err)

	assert.Error(t, caA.VerifyCertificate(foreignCert.Leaf))
}

func TestCertAuthorityNotInitialized(t *testing.T) {
	store, err := repository.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ca := NewCertAuthority(store)
	assert.False(t, ca.IsInitialized())

	_, err = ca.IssueAgentCertificate("agent-01", nil, nil)
	assert.Error(t, err)
}
