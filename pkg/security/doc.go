/*
Package security provides the cryptographic services the coordinator
and agents use to authenticate transport connections: a Certificate
Authority that issues agent and fleetctl client certificates for mutual
TLS, and the symmetric encryption that protects the CA's root private
key at rest.

The CA's root certificate is long-lived (10 years, RSA 4096); agent and
client certificates are short-lived (90 days, RSA 2048). Each issued
certificate is also kept in an in-memory cache, read through
GetCachedCert; issuing again for the same id generates a new key and
certificate. The root private key is persisted through the
repository boundary encrypted with a key derived from the fleet's
cluster ID (DeriveKeyFromClusterID), never stored in plaintext.

This package does not manage secrets beyond the CA's own key material —
there is no general-purpose secret store here; deployment packages are
verified by SHA-256 reference, not decrypted.
*/
package security
