package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Requester reconstructs request-reply calls on top of the broker's
// publish/subscribe primitives. It owns one exclusive reply queue and
// a pending-call map keyed by correlation id; each Request publishes
// with a reply address and blocks until the matching reply arrives or
// the timeout elapses.
type Requester struct {
	publisher     *Publisher
	consumer      *Consumer
	replyQueue    string
	pending       map[string]*pendingCall
	mu            sync.RWMutex
	maxInFlight   int
	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
	logger        *slog.Logger
}

// pendingCall is one in-flight request waiting for its reply.
type pendingCall struct {
	replyCh  chan []byte
	deadline time.Time
}

// RequesterOption configures the requester.
type RequesterOption func(*requesterConfig)

type requesterConfig struct {
	maxInFlight     int
	cleanupInterval time.Duration
	logger          *slog.Logger
}

// WithMaxInFlight caps concurrent pending requests.
func WithMaxInFlight(max int) RequesterOption {
	return func(c *requesterConfig) {
		c.maxInFlight = max
	}
}

// WithCleanupInterval sets how often expired pending calls are swept.
func WithCleanupInterval(interval time.Duration) RequesterOption {
	return func(c *requesterConfig) {
		c.cleanupInterval = interval
	}
}

// WithRequesterLogger sets the logger.
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(c *requesterConfig) {
		c.logger = logger
	}
}

// NewRequester declares an exclusive reply queue and starts consuming
// replies from it.
func NewRequester(ctx context.Context, publisher *Publisher, consumer *Consumer, topology *TopologyManager, options ...RequesterOption) (*Requester, error) {
	if publisher == nil || consumer == nil || topology == nil {
		return nil, fmt.Errorf("%w: requester needs publisher, consumer, and topology", ErrInvalidConfiguration)
	}

	config := &requesterConfig{
		maxInFlight:     1000,
		cleanupInterval: 30 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(config)
	}

	replyQueue, err := topology.DeclareExclusiveQueue(ctx, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	r := &Requester{
		publisher:     publisher,
		consumer:      consumer,
		replyQueue:    replyQueue,
		pending:       make(map[string]*pendingCall),
		maxInFlight:   config.maxInFlight,
		cleanupTicker: time.NewTicker(config.cleanupInterval),
		done:          make(chan struct{}),
		logger:        config.logger,
	}

	if err := consumer.Subscribe(ctx, replyQueue, r.handleReply); err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply queue: %w", err)
	}

	go r.cleanupLoop()

	return r, nil
}

// ReplyQueue returns the name of the exclusive reply queue.
func (r *Requester) ReplyQueue() string {
	return r.replyQueue
}

// Request publishes a payload to a subject and waits for the reply.
// Timeout and transport failures surface as errors for the caller to
// translate; no reply is ever delivered twice.
func (r *Requester) Request(ctx context.Context, exchange, subject string, body []byte, timeout time.Duration) ([]byte, error) {
	correlationID := uuid.New().String()

	call := &pendingCall{
		replyCh:  make(chan []byte, 1),
		deadline: time.Now().Add(timeout),
	}

	r.mu.Lock()
	if len(r.pending) >= r.maxInFlight {
		r.mu.Unlock()
		return nil, ErrTooManyInFlight
	}
	r.pending[correlationID] = call
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := r.publisher.Publish(requestCtx, exchange, subject, body,
		WithReplyAddress(r.replyQueue, correlationID))
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-call.replyCh:
		return reply, nil
	case <-requestCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrRequestTimeout
	case <-r.done:
		return nil, ErrRequesterClosed
	}
}

// handleReply routes an incoming reply to its pending call. Replies
// for unknown correlation ids are dropped: the request has already
// timed out or been cancelled.
func (r *Requester) handleReply(ctx context.Context, d Delivery) error {
	if d.CorrelationID == "" {
		return fmt.Errorf("reply missing correlation id")
	}

	r.mu.RLock()
	call, exists := r.pending[d.CorrelationID]
	r.mu.RUnlock()

	if !exists {
		r.logger.Debug("dropping reply for unknown correlation id",
			"correlationId", d.CorrelationID)
		return nil
	}

	select {
	case call.replyCh <- d.Body:
	default:
		// First writer wins; a duplicate reply is dropped.
	}
	return nil
}

// cleanupLoop sweeps pending calls whose deadline passed without a
// reply. Their waiters have already timed out; this only reclaims map
// entries.
func (r *Requester) cleanupLoop() {
	for {
		select {
		case <-r.cleanupTicker.C:
			r.cleanupExpired()
		case <-r.done:
			return
		}
	}
}

func (r *Requester) cleanupExpired() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, call := range r.pending {
		if now.After(call.deadline) {
			delete(r.pending, id)
		}
	}
}

// PendingCount returns the number of in-flight requests.
func (r *Requester) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Close stops the requester and releases its reply subscription.
func (r *Requester) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.cleanupTicker.Stop()
		err = r.consumer.Unsubscribe(r.replyQueue)
	})
	return err
}
