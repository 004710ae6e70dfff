/*
Package repository defines the narrow persistence boundary the core
depends on for the handful of things that must survive a coordinator
restart independent of the state store: the certificate authority's root
key material, a rolling history of completed deployment workflows, and
periodic fleet inventory snapshots for cold-start diagnostics.

This is deliberately not a general CRUD store — a relational/external
store is out of scope for the core's responsibilities, treated as a
downstream system the core never talks to directly. BoltStore is the
coordinator's production implementation of this boundary.
*/
package repository
