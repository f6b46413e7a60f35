package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes payloads to subjects with broker confirmation.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the default publish timeout.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOption sets optional properties on an outgoing message.
type PublishOption func(*amqp.Publishing)

// WithReplyAddress sets the reply queue and correlation id so the
// consumer can address its reply.
func WithReplyAddress(replyTo, correlationID string) PublishOption {
	return func(pub *amqp.Publishing) {
		pub.ReplyTo = replyTo
		pub.CorrelationId = correlationID
	}
}

// Publish publishes a payload to a subject on an exchange and waits
// for broker confirmation.
func (p *Publisher) Publish(ctx context.Context, exchange, subject string, body []byte, options ...PublishOption) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	pub := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	}
	for _, opt := range options {
		opt(&pub)
	}

	if err := p.publishWithConfirm(ctx, exchange, subject, pub); err != nil {
		return &PublishError{Exchange: exchange, Subject: subject, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// PublishReply publishes a payload directly to a reply queue recorded
// at request time. Replies ride the default exchange, addressed by
// queue name.
func (p *Publisher) PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	if replyTo == "" {
		return ErrNoReplyAddress
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Body:          body,
		Timestamp:     time.Now(),
	}

	if err := p.publishWithConfirm(ctx, "", replyTo, pub); err != nil {
		return &PublishError{Exchange: "", Subject: replyTo, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// publishWithConfirm publishes one message and waits for the broker ack.
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, pub amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		pub,
	); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return fmt.Errorf("message was nacked by broker")
		}
		return nil
	case <-time.After(p.confirmTimeout):
		return fmt.Errorf("timeout waiting for publish confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}
