package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/glimte/busrpc-go/contracts"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
)

// Incoming is one value delivered on a bridge read channel: either a
// decoded protocol message or the decode failure that produced none.
// Failures are values, never panics, so one malformed payload cannot
// take down the session.
type Incoming struct {
	Msg contracts.Message
	Err error
}

// Conn is the channel pair a bridge exposes to the session layer. The
// session reads protocol messages (and decode failures) from Incoming
// and writes outgoing messages to Outgoing; it never touches the bus.
type Conn struct {
	incoming  chan Incoming
	outgoing  chan contracts.Message
	cancel    context.CancelFunc
	closeFn   func() error
	closeOnce sync.Once
	closeErr  error
}

func newConn(buffer int, cancel context.CancelFunc, closeFn func() error) *Conn {
	return &Conn{
		incoming: make(chan Incoming, buffer),
		outgoing: make(chan contracts.Message, buffer),
		cancel:   cancel,
		closeFn:  closeFn,
	}
}

// Incoming returns the read channel.
func (c *Conn) Incoming() <-chan Incoming {
	return c.incoming
}

// Outgoing returns the write channel.
func (c *Conn) Outgoing() chan<- contracts.Message {
	return c.outgoing
}

// Close cancels the bridge loops and releases their subscriptions.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

// deliver sends a value on the incoming channel unless the bridge
// context has ended.
func (c *Conn) deliver(ctx context.Context, in Incoming) {
	select {
	case c.incoming <- in:
	case <-ctx.Done():
	}
}

// Narrow views of the transport consumed by the bridges. The concrete
// implementations live in internal/rabbitmq; tests substitute mocks.

// Publisher publishes payloads to subjects and reply destinations.
type Publisher interface {
	Publish(ctx context.Context, exchange, subject string, body []byte, options ...rabbitmq.PublishOption) error
	PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error
}

// Requester performs bus request-reply calls.
type Requester interface {
	Request(ctx context.Context, exchange, subject string, body []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Consumer manages queue subscriptions.
type Consumer interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

// Topology declares exchanges and queues for subjects.
type Topology interface {
	DeclareExchanges(ctx context.Context) error
	DeclareGroupQueue(ctx context.Context, exchange, subject, queue string) error
	DeclareExclusiveQueue(ctx context.Context, exchange, subject string) (string, error)
	DeleteQueue(ctx context.Context, name string) error
}
