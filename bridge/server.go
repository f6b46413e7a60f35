package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/busrpc-go/contracts"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
	"github.com/glimte/busrpc-go/internal/reliability"
)

// State is the server bridge lifecycle state.
type State int

const (
	// StateInit is the state before Open.
	StateInit State = iota
	// StateSubscribed means the group queue is bound and consuming.
	StateSubscribed
	// StateRunning means the outgoing drain loop is active.
	StateRunning
	// StateDraining means shutdown has begun; no new inbound work.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ServerBridge receives requests and notifications from a shared group
// queue, delivers them to the session over a channel pair, and routes
// session responses back to the reply destination recorded when the
// request arrived. Multiple server instances sharing the same group
// name split the request load.
type ServerBridge struct {
	service       string
	group         string
	publisher     Publisher
	consumer      Consumer
	topology      Topology
	table         *CorrelationTable
	endpoint      *ServiceEndpoint
	noEndpoint    bool
	entryTTL      time.Duration
	sweepInterval time.Duration
	retryPolicy   reliability.RetryPolicy
	buffer        int
	logger        *slog.Logger

	mu    sync.Mutex
	state State
}

// ServerOption configures the server bridge.
type ServerOption func(*ServerBridge)

// WithGroup overrides the queue group name. All instances of one
// logical service must share it.
func WithGroup(group string) ServerOption {
	return func(b *ServerBridge) {
		b.group = group
	}
}

// WithEntryTTL bounds how long an unanswered request keeps its reply
// destination in the correlation table.
func WithEntryTTL(ttl time.Duration) ServerOption {
	return func(b *ServerBridge) {
		b.entryTTL = ttl
	}
}

// WithSweepInterval sets how often expired correlation entries are
// collected.
func WithSweepInterval(interval time.Duration) ServerOption {
	return func(b *ServerBridge) {
		b.sweepInterval = interval
	}
}

// WithServerRetryPolicy sets the retry policy for event publishes.
func WithServerRetryPolicy(policy reliability.RetryPolicy) ServerOption {
	return func(b *ServerBridge) {
		b.retryPolicy = policy
	}
}

// WithServerBuffer sets the channel buffer size.
func WithServerBuffer(n int) ServerOption {
	return func(b *ServerBridge) {
		b.buffer = n
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(b *ServerBridge) {
		b.logger = logger
	}
}

// WithoutServiceEndpoint disables the control endpoint (ping, info,
// stats, announce).
func WithoutServiceEndpoint() ServerOption {
	return func(b *ServerBridge) {
		b.noEndpoint = true
	}
}

// NewServerBridge creates a server bridge for a service.
func NewServerBridge(service string, publisher Publisher, consumer Consumer, topology Topology, options ...ServerOption) (*ServerBridge, error) {
	if service == "" {
		return nil, fmt.Errorf("bridge: service name cannot be empty")
	}
	if publisher == nil || consumer == nil || topology == nil {
		return nil, fmt.Errorf("bridge: server bridge requires publisher, consumer, and topology")
	}

	b := &ServerBridge{
		service:       service,
		publisher:     publisher,
		consumer:      consumer,
		topology:      topology,
		table:         NewCorrelationTable(),
		entryTTL:      5 * time.Minute,
		sweepInterval: 5 * time.Minute,
		retryPolicy:   reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		buffer:        16,
		logger:        slog.Default(),
		state:         StateInit,
	}

	for _, opt := range options {
		opt(b)
	}

	if b.group == "" {
		b.group = b.service + "-servers"
	}
	if !b.noEndpoint {
		b.endpoint = NewServiceEndpoint(b.service, b.group, b.publisher, b.consumer, b.topology, b.logger)
	}

	return b, nil
}

// State returns the current lifecycle state.
func (b *ServerBridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *ServerBridge) setState(s State) {
	b.mu.Lock()
	prev := b.state
	b.state = s
	b.mu.Unlock()
	b.logger.Debug("bridge state changed", "service", b.service, "from", prev.String(), "to", s.String())
}

// Open binds the group queue, starts the drain and sweep loops, and
// returns the channel pair. The control endpoint is started best
// effort: its failure degrades observability, never request handling.
func (b *ServerBridge) Open(ctx context.Context) (*Conn, error) {
	b.mu.Lock()
	if b.state != StateInit {
		state := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("bridge: cannot open in state %s", state)
	}
	b.mu.Unlock()

	if err := b.topology.DeclareExchanges(ctx); err != nil {
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	subject := b.service + ".>"
	if err := b.topology.DeclareGroupQueue(ctx, rabbitmq.RequestExchange, subject, b.group); err != nil {
		return nil, fmt.Errorf("failed to declare group queue %s: %w", b.group, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, loopCtx := errgroup.WithContext(loopCtx)

	conn := newConn(b.buffer, cancel, func() error {
		return b.shutdown()
	})

	if err := b.consumer.Subscribe(loopCtx, b.group, b.inboundHandler(loopCtx, conn)); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to group queue %s: %w", b.group, err)
	}
	b.setState(StateSubscribed)

	if b.endpoint != nil {
		if err := b.endpoint.Start(loopCtx); err != nil {
			b.logger.Warn("control endpoint registration failed, continuing without it",
				"service", b.service, "error", err)
			b.endpoint = nil
		}
	}

	g.Go(func() error {
		b.drainLoop(loopCtx, conn)
		return nil
	})
	g.Go(func() error {
		b.sweepLoop(loopCtx)
		return nil
	})

	b.setState(StateRunning)
	b.logger.Info("server bridge running",
		"service", b.service, "group", b.group)
	return conn, nil
}

// inboundHandler turns group-queue deliveries into channel values. A
// request carrying a reply address has its destination recorded before
// the session ever sees it, so a fast responder cannot race the table.
func (b *ServerBridge) inboundHandler(loopCtx context.Context, conn *Conn) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d rabbitmq.Delivery) error {
		msg, err := contracts.Decode(d.Body)
		if err != nil {
			b.replyParseError(loopCtx, d, err)
			conn.deliver(loopCtx, Incoming{Err: err})
			if b.endpoint != nil {
				b.endpoint.recordError()
			}
			return nil
		}

		switch m := msg.(type) {
		case *contracts.Request:
			if d.ReplyTo != "" {
				b.table.Insert(contracts.MessageID(m), ReplyDestination{
					ReplyTo:       d.ReplyTo,
					CorrelationID: d.CorrelationID,
				})
			}
			if b.endpoint != nil {
				b.endpoint.recordRequest()
			}
			conn.deliver(loopCtx, Incoming{Msg: m})

		case *contracts.Notification:
			if b.endpoint != nil {
				b.endpoint.recordNotification()
			}
			conn.deliver(loopCtx, Incoming{Msg: m})

		default:
			b.logger.Warn("unexpected message on group queue, dropping",
				"service", b.service, "subject", d.Subject, "type", fmt.Sprintf("%T", msg))
		}
		return nil
	}
}

// replyParseError sends the reserved parse-error reply when the sender
// left a reply address. The request id is recovered from the malformed
// payload when the id field itself survived.
func (b *ServerBridge) replyParseError(ctx context.Context, d rabbitmq.Delivery, cause error) {
	if d.ReplyTo == "" {
		return
	}

	reply := contracts.NewParseError(cause)
	if id := recoverID(d.Body); id != nil {
		reply.ID = id
	}

	body, err := contracts.Encode(reply)
	if err != nil {
		b.logger.Error("failed to encode parse-error reply", "error", err)
		return
	}
	if err := b.publisher.PublishReply(ctx, d.ReplyTo, d.CorrelationID, body); err != nil {
		b.logger.Error("failed to publish parse-error reply",
			"replyTo", d.ReplyTo, "error", err)
	}
}

// recoverID pulls the id field out of a payload that failed full
// decoding, so the sender can still correlate the error.
func recoverID(payload []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// drainLoop routes session output: responses go to the reply
// destination recorded for their request id, notifications go to the
// event exchange.
func (b *ServerBridge) drainLoop(ctx context.Context, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-conn.outgoing:
			if !ok {
				return
			}

			switch m := msg.(type) {
			case *contracts.Response, *contracts.ErrorResponse:
				b.sendReply(ctx, m)
			case *contracts.Notification:
				b.publishEvent(ctx, m)
			default:
				b.logger.Warn("server bridge cannot route message, dropping",
					"type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

// sendReply delivers one response to its recorded destination. An id
// with no pending entry means the request already expired or was
// answered; the response is dropped.
func (b *ServerBridge) sendReply(ctx context.Context, msg contracts.Message) {
	id := contracts.MessageID(msg)
	dest, ok := b.table.Pop(id)
	if !ok {
		b.logger.Warn("no pending request for response, dropping",
			"service", b.service, "id", id)
		return
	}

	body, err := contracts.Encode(msg)
	if err != nil {
		b.logger.Error("failed to encode response", "id", id, "error", err)
		return
	}
	if err := b.publisher.PublishReply(ctx, dest.ReplyTo, dest.CorrelationID, body); err != nil {
		b.logger.Error("failed to publish response",
			"id", id, "replyTo", dest.ReplyTo, "error", err)
	}
}

// publishEvent fans a server-originated notification out on the event
// exchange under <service>.events.<method>.
func (b *ServerBridge) publishEvent(ctx context.Context, n *contracts.Notification) {
	body, err := contracts.Encode(n)
	if err != nil {
		b.logger.Error("failed to encode notification", "method", n.Method, "error", err)
		return
	}

	subject := b.service + ".events." + n.Method
	err = reliability.Retry(ctx, b.retryPolicy, func() error {
		return b.publisher.Publish(ctx, rabbitmq.EventExchange, subject, body)
	})
	if err != nil {
		b.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

// sweepLoop periodically expires correlation entries whose requests
// were never answered.
func (b *ServerBridge) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept := b.table.Sweep(b.entryTTL); len(swept) > 0 {
				b.logger.Warn("expired unanswered requests",
					"service", b.service, "count", len(swept), "ttl", b.entryTTL)
			}
		}
	}
}

// shutdown runs once, from Conn.Close.
func (b *ServerBridge) shutdown() error {
	b.setState(StateDraining)

	var firstErr error
	if err := b.consumer.Unsubscribe(b.group); err != nil {
		firstErr = err
	}
	if b.endpoint != nil {
		if err := b.endpoint.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if n := b.table.Clear(); n > 0 {
		b.logger.Warn("discarding unanswered requests at shutdown",
			"service", b.service, "count", n)
	}

	b.setState(StateClosed)
	b.logger.Info("server bridge closed", "service", b.service)
	return firstErr
}
