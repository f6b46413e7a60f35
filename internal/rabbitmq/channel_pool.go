package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of AMQP channels over one connection. The
// shared connection handle supports concurrent publishes only through
// separate channels, so every loop draws its own channel from here.
type ChannelPool struct {
	manager  *ConnectionManager
	channels chan *PooledChannel
	maxSize  int
	mu       sync.Mutex
	closed   bool
}

// PooledChannel wraps an AMQP channel with pool metadata.
type PooledChannel struct {
	*amqp.Channel
	lastUsed time.Time
	id       string
}

// ChannelPoolOption configures the channel pool.
type ChannelPoolOption func(*ChannelPool)

// WithMaxChannels sets the maximum pool size.
func WithMaxChannels(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a new channel pool.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max channels must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, creating one if none is idle.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.Channel.IsClosed() {
			return cp.createChannel()
		}
		return ch, nil
	default:
		return cp.createChannel()
	}
}

// Put returns a channel to the pool. Closed or surplus channels are
// discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil || ch.Channel.IsClosed() {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed {
		ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		ch.Channel.Close()
	}
}

// Execute runs fn with a pooled channel and returns it afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)
	return fn(ch.Channel)
}

// createChannel opens a new channel on the managed connection.
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.New().String()[:8],
	}, nil
}

// Close drains and closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		ch.Channel.Close()
	}
	return nil
}
