package broker

import amqp "github.com/rabbitmq/amqp091-go"

// DeclareTopology idempotently declares the topic exchange, the
// dead-letter exchange/queue, and every purpose queue. Safe to call on
// every startup.
func (b *Broker) DeclareTopology() error {
	ch, err := b.pool.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(DeadLetterExch, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DeadLetterQ, true, false, false, false, haPolicyArgs(nil)); err != nil {
		return err
	}
	if err := ch.QueueBind(DeadLetterQ, "", DeadLetterExch, false, nil); err != nil {
		return err
	}

	for _, q := range Queues() {
		args := amqp.Table{
			"x-dead-letter-exchange": DeadLetterExch,
		}
		if q.TTL > 0 {
			args["x-message-ttl"] = q.TTL
		}
		if q.MaxLength > 0 {
			args["x-max-length"] = q.MaxLength
		}
		if q.MaxPriority > 0 {
			args["x-max-priority"] = int32(q.MaxPriority)
		}
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, haPolicyArgs(args)); err != nil {
			return err
		}
		if err := ch.QueueBind(q.Name, q.RoutingKey, Exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// haPolicyArgs returns a queue's declaration arguments, substituting an
// empty table for nil. It adds no HA or mirroring argument: HA mirroring
// is a broker-side policy (ha-mode=all, ha-sync-mode=automatic) applied
// out of band to a cluster.
func haPolicyArgs(args amqp.Table) amqp.Table {
	if args == nil {
		args = amqp.Table{}
	}
	return args
}
