/*
Package events provides an in-memory, non-blocking event broker used by the
fleet registry and workflow engine to announce state changes (agent
connectivity, service status, workflow lifecycle) to in-process subscribers
without coupling the producer to the consumer.

Publish never blocks the caller past the broker's internal event channel;
broadcast to subscribers drops events for any subscriber whose buffer is
full rather than stalling the broker. pkg/alerts layers severity,
category, and suppression on top of this same broker shape.
*/
package events
