package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/meridianfleet/controlplane/pkg/repository"
)

// CertAuthority issues and verifies the TLS certificates agents and
// fleetctl clients use to authenticate to the coordinator's transport.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     repository.Store
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously issued certificate kept in memory for reuse.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CAData is the serialized CA persisted to the repository.
type CAData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	agentCertValidity = 90 * 24 * time.Hour
	rootKeySize  = 4096
	agentKeySize = 2048
)

// NewCertAuthority creates a CertAuthority backed by store for CA persistence.
func NewCertAuthority(store repository.Store) *CertAuthority {
	return &CertAuthority{
		store:     store,
		certCache: make(map[string]*CachedCert),
	}
}

// Initialize generates a fresh root CA certificate and key.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Fleet Control Plane"},
			CommonName:   "Fleet Control Plane Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously initialized CA from the repository.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("get CA from store: %w", err)
	}

	var caData CAData
	if err := json.Unmarshal(data, &caData); err != nil {
		return fmt.Errorf("unmarshal CA data: %w", err)
	}

	decryptedKey, err := Decrypt(caData.RootKeyDER)
	if err != nil {
		return fmt.Errorf("decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(caData.RootCertDER)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA's root certificate and encrypted root key.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("encrypt root key: %w", err)
	}

	caData := CAData{RootCertDER: ca.rootCert.Raw, RootKeyDER: encryptedKey}
	data, err := json.Marshal(caData)
	if err != nil {
		return fmt.Errorf("marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("save CA to store: %w", err)
	}
	return nil
}

// IssueAgentCertificate issues a certificate an agent presents to
// authenticate its transport connection to the coordinator.
func (ca *CertAuthority) IssueAgentCertificate(agentID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	agentKey, err := rsa.GenerateKey(rand.Reader, agentKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate agent key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Fleet Control Plane"},
			CommonName:   fmt.Sprintf("agent-%s", agentID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(agentCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &agentKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("create agent certificate: %w", err)
	}

	agentCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse agent certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  agentKey,
		Leaf:        agentCert,
	}

	ca.cacheCertificate(agentID, agentCert, agentKey)
	return tlsCert, nil
}

// IssueClientCertificate issues a certificate for a fleetctl CLI client.
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	clientKey, err := rsa.GenerateKey(rand.Reader, agentKeySize)
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Fleet Control Plane"},
			CommonName:   fmt.Sprintf("cli-%s", clientID),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(agentCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &clientKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("create client certificate: %w", err)
	}

	clientCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse client certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  clientKey,
		Leaf:        clientCert,
	}

	ca.cacheCertificate(clientID, clientCert, clientKey)
	return tlsCert, nil
}

// VerifyCertificate verifies cert chains to this CA's root.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER format.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// IsInitialized reports whether the CA has a root certificate and key.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{
		Cert:      cert,
		Key:       key,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
}

// GetCachedCert retrieves a previously issued, in-memory cached certificate.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	cert, exists := ca.certCache[id]
	return cert, exists
}
