package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one message taken from a subscribed queue, carrying the
// subject it was routed by and the reply address when the sender
// expects one.
type Delivery struct {
	Subject       string
	ReplyTo       string
	CorrelationID string
	Body          []byte
}

// DeliveryHandler processes incoming deliveries. A returned error is
// logged; it never terminates the consume loop.
type DeliveryHandler func(ctx context.Context, d Delivery) error

// Consumer manages queue subscriptions over pooled channels. Auto-ack
// is the default: group delivery is at-most-once, matching the bus
// semantics the bridges are built on.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	autoAck       bool
	logger        *slog.Logger
	subscriptions sync.Map
}

// ConsumerOption configures the consumer.
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count for manual-ack consumers.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck controls automatic acknowledgment.
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		autoAck:       true,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// subscription tracks one active consume loop.
type subscription struct {
	queue   string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscribe starts consuming deliveries from a declared queue.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &SubscribeError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if !c.autoAck {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			c.pool.Put(ch)
			return fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		queue,
		"", // consumer tag
		c.autoAck,
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return &SubscribeError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.subscriptions.Store(queue, sub)

	go c.consumeLoop(subCtx, sub, deliveries, handler)

	c.logger.Debug("subscribed to queue", "queue", queue, "autoAck", c.autoAck)
	return nil
}

// consumeLoop feeds deliveries to the handler until the subscription
// is cancelled or the delivery channel closes.
func (c *Consumer) consumeLoop(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(sub.done)
		c.pool.Put(sub.channel)
		c.subscriptions.Delete(sub.queue)
		c.logger.Debug("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			d := Delivery{
				Subject:       delivery.RoutingKey,
				ReplyTo:       delivery.ReplyTo,
				CorrelationID: delivery.CorrelationId,
				Body:          delivery.Body,
			}

			if err := handler(ctx, d); err != nil {
				c.logger.Error("delivery handler failed",
					"error", err,
					"queue", sub.queue,
					"subject", d.Subject,
				)
				if !c.autoAck {
					if nackErr := delivery.Nack(false, false); nackErr != nil {
						c.logger.Error("failed to nack delivery", "error", nackErr)
					}
				}
				continue
			}

			if !c.autoAck {
				if ackErr := delivery.Ack(false); ackErr != nil {
					c.logger.Error("failed to ack delivery", "error", ackErr)
				}
			}
		}
	}
}

// Unsubscribe stops consuming from a queue and waits for the loop to
// exit.
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.subscriptions.Load(queue)
	if !ok {
		return fmt.Errorf("no active subscription for queue: %s", queue)
	}

	sub := value.(*subscription)
	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active subscription.
func (c *Consumer) UnsubscribeAll() error {
	var wg sync.WaitGroup

	c.subscriptions.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(key.(string))
		return true
	})

	wg.Wait()
	return nil
}

// ActiveQueues returns the queues with live subscriptions.
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.subscriptions.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
