package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/busrpc-go/contracts"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
	"github.com/glimte/busrpc-go/internal/reliability"
)

// ClientBridge adapts a local channel pair into bus calls: requests
// become bus request-reply addressed to <service>.<method>,
// notifications become fire-and-forget publishes, and server-side
// events arrive on subscribed event subjects. Transport failures never
// escape the bridge; they surface as synthesized error replies or
// channel-delivered values.
type ClientBridge struct {
	service        string
	requester      Requester
	publisher      Publisher
	consumer       Consumer
	topology       Topology
	requestTimeout time.Duration
	eventSubjects  []string
	retryPolicy    reliability.RetryPolicy
	buffer         int
	logger         *slog.Logger
}

// ClientOption configures the client bridge.
type ClientOption func(*ClientBridge)

// WithRequestTimeout bounds each bus request-reply call.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(b *ClientBridge) {
		b.requestTimeout = timeout
	}
}

// WithEventSubjects sets the subjects the client listens on for
// notifications and other out-of-band messages.
func WithEventSubjects(subjects ...string) ClientOption {
	return func(b *ClientBridge) {
		b.eventSubjects = subjects
	}
}

// WithPublishRetryPolicy sets the retry policy for notification
// publishes.
func WithPublishRetryPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(b *ClientBridge) {
		b.retryPolicy = policy
	}
}

// WithClientBuffer sets the channel buffer size.
func WithClientBuffer(n int) ClientOption {
	return func(b *ClientBridge) {
		b.buffer = n
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(b *ClientBridge) {
		b.logger = logger
	}
}

// NewClientBridge creates a client bridge for a service.
func NewClientBridge(service string, requester Requester, publisher Publisher, consumer Consumer, topology Topology, options ...ClientOption) (*ClientBridge, error) {
	if service == "" {
		return nil, fmt.Errorf("bridge: service name cannot be empty")
	}
	if requester == nil || publisher == nil || consumer == nil || topology == nil {
		return nil, fmt.Errorf("bridge: client bridge requires requester, publisher, consumer, and topology")
	}

	b := &ClientBridge{
		service:        service,
		requester:      requester,
		publisher:      publisher,
		consumer:       consumer,
		topology:       topology,
		requestTimeout: 30 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		buffer:         16,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	if len(b.eventSubjects) == 0 {
		b.eventSubjects = []string{b.service + ".events.>"}
	}

	return b, nil
}

// Open subscribes to the event subjects and starts the send loop. The
// returned Conn carries the channel pair; closing it cancels the loops
// and releases the subscriptions.
func (b *ClientBridge) Open(ctx context.Context) (*Conn, error) {
	if err := b.topology.DeclareExchanges(ctx); err != nil {
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, loopCtx := errgroup.WithContext(loopCtx)

	var queues []string
	conn := newConn(b.buffer, cancel, func() error {
		var firstErr error
		for _, q := range queues {
			if err := b.consumer.Unsubscribe(q); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	for _, subject := range b.eventSubjects {
		queue, err := b.topology.DeclareExclusiveQueue(ctx, rabbitmq.EventExchange, subject)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to declare event queue for %s: %w", subject, err)
		}
		if err := b.consumer.Subscribe(loopCtx, queue, b.eventHandler(loopCtx, conn)); err != nil {
			cancel()
			for _, q := range queues {
				if unsubErr := b.consumer.Unsubscribe(q); unsubErr != nil {
					b.logger.Warn("failed to release event queue", "queue", q, "error", unsubErr)
				}
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		queues = append(queues, queue)
		b.logger.Debug("listening for events", "subject", subject, "queue", queue)
	}

	g.Go(func() error {
		b.sendLoop(loopCtx, g, conn)
		return nil
	})

	return conn, nil
}

// sendLoop drains the outgoing channel. Requests run in their own
// goroutine so one slow call cannot stall the rest of the traffic.
func (b *ClientBridge) sendLoop(ctx context.Context, g *errgroup.Group, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-conn.outgoing:
			if !ok {
				return
			}

			switch m := msg.(type) {
			case *contracts.Request:
				g.Go(func() error {
					b.call(ctx, conn, m)
					return nil
				})
			case *contracts.Notification:
				b.notify(ctx, m)
			default:
				b.logger.Warn("client bridge cannot route message, dropping",
					"type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

// call performs one bus request-reply. Every failure path synthesizes
// an error reply preserving the request id, so the caller's invariant
// holds: exactly one response per request id on the read channel.
func (b *ClientBridge) call(ctx context.Context, conn *Conn, req *contracts.Request) {
	body, err := contracts.Encode(req)
	if err != nil {
		conn.deliver(ctx, Incoming{Msg: contracts.NewRequestFailedError(req.ID, err)})
		return
	}

	subject := b.service + "." + req.Method
	reply, err := b.requester.Request(ctx, rabbitmq.RequestExchange, subject, body, b.requestTimeout)
	if err != nil {
		b.logger.Warn("request failed",
			"subject", subject, "id", string(req.ID), "error", err)
		conn.deliver(ctx, Incoming{Msg: contracts.NewRequestFailedError(req.ID, err)})
		return
	}

	msg, err := contracts.Decode(reply)
	if err != nil {
		// A garbled reply still belongs to this call: keep the id so
		// the session can correlate the failure.
		conn.deliver(ctx, Incoming{Msg: contracts.NewRequestFailedError(req.ID, err)})
		return
	}
	conn.deliver(ctx, Incoming{Msg: msg})
}

// notify publishes a notification fire-and-forget, with retries for
// transient broker failures.
func (b *ClientBridge) notify(ctx context.Context, n *contracts.Notification) {
	body, err := contracts.Encode(n)
	if err != nil {
		b.logger.Error("failed to encode notification", "method", n.Method, "error", err)
		return
	}

	subject := b.service + "." + n.Method
	err = reliability.Retry(ctx, b.retryPolicy, func() error {
		return b.publisher.Publish(ctx, rabbitmq.RequestExchange, subject, body)
	})
	if err != nil {
		b.logger.Error("failed to publish notification", "subject", subject, "error", err)
	}
}

// eventHandler decodes inbound event payloads and forwards them (or
// their decode failures) on the read channel.
func (b *ClientBridge) eventHandler(loopCtx context.Context, conn *Conn) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d rabbitmq.Delivery) error {
		msg, err := contracts.Decode(d.Body)
		if err != nil {
			conn.deliver(loopCtx, Incoming{Err: err})
			return nil
		}
		conn.deliver(loopCtx, Incoming{Msg: msg})
		return nil
	}
}
