/*
Package broker is the message fabric: a topic-routed, durable publish/
consume layer over RabbitMQ (rabbitmq/amqp091-go) with at-least-once
delivery and dead-letter quarantine.

A single topic exchange carries everything; purpose queues are bound by
routing-key prefix (command.*, status.*, alert.*, metrics.*, workflow.*,
priority.* with a max priority of 10, batch.*, monitoring.*) and are all
wired to a dead-letter exchange so a message that exceeds its TTL or is
rejected without requeue lands in a quarantine queue for inspection
rather than disappearing. Publisher confirms make Publish return only
once the broker has durably accepted the message (or the call's deadline
expires); a token bucket enforces the engine-wide publish rate, and a
circuit breaker opens Publish fast under a string of broker failures
instead of piling up redial attempts.

Handlers registered with Consume must be idempotent: redelivery after a
requeue, a crash before ack, or a broker-side retry are all possible and
are not distinguished from a fresh delivery.
*/
package broker
