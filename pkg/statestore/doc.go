/*
Package statestore is the coherent key/value façade the rest of the
control plane uses for workflow state, leases, and small coordination
structures (pending-command entries, revoked-token sets, idempotency
keys). It is realized over Redis (redis/go-redis/v9): scalar, hash,
list, and set operations with TTLs, plus a lease primitive implemented
as a conditional SET NX with expiry.

The store is treated as non-durable: every critical value placed in it
must be reconstructible from the broker (status replay) or the
repository boundary's higher-level persistence. Values serialize via
encoding/json, a self-describing encoding sufficient for the generic
Get[T]/Set[T] surface.
*/
package statestore
