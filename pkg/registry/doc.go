/*
Package registry is the coordinator's live, in-memory view of agents and
their services: the fleet registry.

It is a projection, not a source of truth — its contents are derived
entirely from the stream of transport events (RegisterAgent, Heartbeat,
ReportServices) and are rebuildable by replaying that stream. Readers
take a lock-free copy-on-write snapshot; writes for a given agent
serialize through a small shard of mutexes keyed by agent id.

Agent connectivity status is derived, not stored: Connected iff
now-lastHeartbeat is within the configured timeout, unless an explicit
Error has been reported. A background, ticker-driven sweep periodically
recomputes status and emits AgentConnected/AgentDisconnected transitions
onto the shared event broker; ReportServices emits ServiceStateChanged
and marks a service inactive once it is absent from two consecutive
full snapshots.
*/
package registry
