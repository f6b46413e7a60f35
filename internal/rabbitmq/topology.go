package rabbitmq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names for the two message planes. Requests flow from
// clients to server groups; events flow from servers to whoever bound
// a subject pattern (notifications, callbacks).
const (
	RequestExchange = "busrpc.requests"
	EventExchange   = "busrpc.events"
)

// BindingKey converts a hierarchical subject pattern into an AMQP
// topic binding key. The trailing multi-token wildcard ">" becomes
// "#"; single-token wildcards "*" carry over unchanged.
func BindingKey(subject string) string {
	if subject == ">" {
		return "#"
	}
	if strings.HasSuffix(subject, ".>") {
		return strings.TrimSuffix(subject, ".>") + ".#"
	}
	return subject
}

// TopologyManager declares the exchanges, queues, and bindings that
// realize subjects on the broker.
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager.
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareExchanges declares the request and event topic exchanges.
func (tm *TopologyManager) DeclareExchanges(ctx context.Context) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, name := range []string{RequestExchange, EventExchange} {
			if err := ch.ExchangeDeclare(
				name,
				"topic",
				true,  // durable
				false, // auto-delete
				false, // internal
				false, // no-wait
				nil,
			); err != nil {
				return fmt.Errorf("failed to declare exchange %s: %w", name, err)
			}
		}
		return nil
	})
}

// DeclareGroupQueue declares the shared queue for a queue group and
// binds it to a subject pattern on an exchange. Every group member
// consumes from the same queue, so the broker delivers each message to
// exactly one member.
func (tm *TopologyManager) DeclareGroupQueue(ctx context.Context, exchange, subject, queue string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare group queue %s: %w", queue, err)
		}

		if err := ch.QueueBind(queue, BindingKey(subject), exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s/%s: %w", queue, exchange, subject, err)
		}
		return nil
	})
}

// DeclareExclusiveQueue declares a server-named exclusive auto-delete
// queue bound to a subject pattern. Used for per-instance consumption:
// client event streams, callback subjects, reply queues, and control
// subjects. Returns the generated queue name.
func (tm *TopologyManager) DeclareExclusiveQueue(ctx context.Context, exchange, subject string) (string, error) {
	var name string
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclare(
			"",    // server-named
			false, // durable
			true,  // auto-delete
			true,  // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare exclusive queue: %w", err)
		}
		name = q.Name

		if exchange == "" {
			// Reply queues live on the default exchange and need no binding.
			return nil
		}
		if err := ch.QueueBind(name, BindingKey(subject), exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s/%s: %w", name, exchange, subject, err)
		}
		return nil
	})
	return name, err
}

// DeleteQueue deletes a queue.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
}
