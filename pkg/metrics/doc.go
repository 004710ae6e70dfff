/*
Package metrics defines and registers the coordinator's Prometheus metrics:
fleet size and agent connectivity, transport RPC latency, broker publish/
consume outcomes, state store operation latency and lease counts, and the
workflow engine's in-flight/terminal counters. All collectors are
registered at package init against the default registry and exposed via
Handler for the coordinator's /metrics endpoint.

Collector polls the fleet registry on a ticker to keep the agent/service
gauges current; everything else is updated inline by the package that owns
the operation (broker, statestore, transport, workflow, alerts).
*/
package metrics
