package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/busrpc-go/internal/rabbitmq"
)

type publishedMsg struct {
	exchange string
	subject  string
	body     []byte
}

type replyMsg struct {
	replyTo       string
	correlationID string
	body          []byte
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []publishedMsg
	replies    []replyMsg
	failNext   int
	publishErr error
	replyErr   error
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, subject string, body []byte, options ...rabbitmq.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return fmt.Errorf("broker unavailable")
	}
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, publishedMsg{exchange: exchange, subject: subject, body: body})
	return nil
}

func (p *fakePublisher) PublishReply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replyErr != nil {
		return p.replyErr
	}
	p.replies = append(p.replies, replyMsg{replyTo: replyTo, correlationID: correlationID, body: body})
	return nil
}

func (p *fakePublisher) publishedTo(exchange string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.published {
		if m.exchange == exchange {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePublisher) replyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.replies)
}

func (p *fakePublisher) publishCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) lastReply() (replyMsg, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return replyMsg{}, false
	}
	return p.replies[len(p.replies)-1], true
}

type requestCall struct {
	exchange string
	subject  string
	body     []byte
	timeout  time.Duration
}

type fakeRequester struct {
	mu     sync.Mutex
	calls  []requestCall
	reply  []byte
	err    error
	closed bool
}

func (r *fakeRequester) Request(ctx context.Context, exchange, subject string, body []byte, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, requestCall{exchange: exchange, subject: subject, body: body, timeout: timeout})
	reply, err := r.reply, r.err
	r.mu.Unlock()
	return reply, err
}

func (r *fakeRequester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRequester) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRequester) lastCall() (requestCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return requestCall{}, false
	}
	return r.calls[len(r.calls)-1], true
}

// fakeConsumer models broker-side dispatch. A queue may carry several
// handlers (competing consumers of a shared group queue); deliveries
// round-robin across them, each reaching exactly one handler.
type fakeConsumer struct {
	mu           sync.Mutex
	handlers     map[string][]rabbitmq.DeliveryHandler
	next         map[string]int
	unsubscribed []string
	subscribeErr error
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		handlers: make(map[string][]rabbitmq.DeliveryHandler),
		next:     make(map[string]int),
	}
}

func (c *fakeConsumer) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.handlers[queue] = append(c.handlers[queue], handler)
	return nil
}

func (c *fakeConsumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handlers := c.handlers[queue]; len(handlers) > 1 {
		c.handlers[queue] = handlers[1:]
	} else {
		delete(c.handlers, queue)
	}
	c.unsubscribed = append(c.unsubscribed, queue)
	return nil
}

// deliver feeds a delivery to the next handler subscribed on a queue.
func (c *fakeConsumer) deliver(ctx context.Context, queue string, d rabbitmq.Delivery) error {
	c.mu.Lock()
	handlers := c.handlers[queue]
	if len(handlers) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no handler for queue %s", queue)
	}
	handler := handlers[c.next[queue]%len(handlers)]
	c.next[queue]++
	c.mu.Unlock()
	return handler(ctx, d)
}

func (c *fakeConsumer) subscribed(queue string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[queue]) > 0
}

type groupQueue struct {
	exchange string
	subject  string
	queue    string
}

type exclusiveQueue struct {
	exchange string
	subject  string
	queue    string
}

type fakeTopology struct {
	mu         sync.Mutex
	groups     []groupQueue
	exclusives []exclusiveQueue
	counter    int
	declareErr error
	groupErr   error
	exclErr    error
}

func (t *fakeTopology) DeclareExchanges(ctx context.Context) error {
	return t.declareErr
}

func (t *fakeTopology) DeclareGroupQueue(ctx context.Context, exchange, subject, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.groupErr != nil {
		return t.groupErr
	}
	t.groups = append(t.groups, groupQueue{exchange: exchange, subject: subject, queue: queue})
	return nil
}

func (t *fakeTopology) DeclareExclusiveQueue(ctx context.Context, exchange, subject string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exclErr != nil {
		return "", t.exclErr
	}
	t.counter++
	name := fmt.Sprintf("amq.gen-%d", t.counter)
	t.exclusives = append(t.exclusives, exclusiveQueue{exchange: exchange, subject: subject, queue: name})
	return name, nil
}

func (t *fakeTopology) DeleteQueue(ctx context.Context, name string) error {
	return nil
}

func (t *fakeTopology) exclusiveFor(subject string) (exclusiveQueue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.exclusives {
		if q.subject == subject {
			return q, true
		}
	}
	return exclusiveQueue{}, false
}
