// Copyright 2025 Busrpc Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package busrpc carries a JSON-RPC style request/response protocol
// over a RabbitMQ message bus, with a callback extension for
// long-running operations. Client provides the main entry point: it
// owns the connection and hands out client bridges, server bridges,
// and callback managers that share it.
package busrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/busrpc-go/bridge"
	"github.com/glimte/busrpc-go/callbacks"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
)

// Client owns one broker connection and the transport built on it.
type Client struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	mu         sync.Mutex
	requesters []*rabbitmq.Requester
	closed     bool
}

type clientConfig struct {
	logger         *slog.Logger
	connectionOpts []rabbitmq.ConnectionOption
	maxChannels    int
}

// Option configures the client.
type Option func(*clientConfig)

// WithLogger sets the logger used by the client and everything it
// creates.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithConnectionOptions passes options through to the connection
// manager.
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) Option {
	return func(c *clientConfig) {
		c.connectionOpts = append(c.connectionOpts, options...)
	}
}

// WithMaxChannels sets the channel pool size.
func WithMaxChannels(n int) Option {
	return func(c *clientConfig) {
		c.maxChannels = n
	}
}

// NewClient connects to the broker and declares the exchanges.
func NewClient(ctx context.Context, connectionString string, options ...Option) (*Client, error) {
	cfg := &clientConfig{
		logger:      slog.Default(),
		maxChannels: 10,
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connectionOpts...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxChannels(cfg.maxChannels))
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	topology := rabbitmq.NewTopologyManager(pool)
	if err := topology.DeclareExchanges(ctx); err != nil {
		pool.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}

	return &Client{
		manager:   manager,
		pool:      pool,
		topology:  topology,
		publisher: rabbitmq.NewPublisher(pool),
		consumer:  rabbitmq.NewConsumer(pool, rabbitmq.WithConsumerLogger(cfg.logger)),
		logger:    cfg.logger,
	}, nil
}

// ClientBridge creates a client bridge for calling a service. Each
// bridge gets its own requester, and with it its own exclusive reply
// queue.
func (c *Client) ClientBridge(ctx context.Context, service string, options ...bridge.ClientOption) (*bridge.ClientBridge, error) {
	requester, err := rabbitmq.NewRequester(ctx, c.publisher, c.consumer, c.topology,
		rabbitmq.WithRequesterLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create requester: %w", err)
	}

	c.mu.Lock()
	c.requesters = append(c.requesters, requester)
	c.mu.Unlock()

	options = append([]bridge.ClientOption{bridge.WithClientLogger(c.logger)}, options...)
	return bridge.NewClientBridge(service, requester, c.publisher, c.consumer, c.topology, options...)
}

// ServerBridge creates a server bridge for serving a service.
func (c *Client) ServerBridge(service string, options ...bridge.ServerOption) (*bridge.ServerBridge, error) {
	options = append([]bridge.ServerOption{bridge.WithServerLogger(c.logger)}, options...)
	return bridge.NewServerBridge(service, c.publisher, c.consumer, c.topology, options...)
}

// CallbackManager creates a callback manager publishing and listening
// on the event exchange.
func (c *Client) CallbackManager(options ...callbacks.ManagerOption) (*callbacks.Manager, error) {
	options = append([]callbacks.ManagerOption{callbacks.WithManagerLogger(c.logger)}, options...)
	return callbacks.NewManager(&eventBus{client: c}, options...)
}

// Close shuts down everything sharing the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	requesters := c.requesters
	c.mu.Unlock()

	var firstErr error
	for _, r := range requesters {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.consumer.UnsubscribeAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.manager.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// eventBus adapts the event exchange to the callbacks.Bus interface.
// Each subscription binds its own exclusive queue, matching the
// one-waiter-per-callback-subject model.
type eventBus struct {
	client *Client
}

func (b *eventBus) Publish(ctx context.Context, subject string, body []byte) error {
	return b.client.publisher.Publish(ctx, rabbitmq.EventExchange, subject, body)
}

func (b *eventBus) Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, subject string, body []byte) error) (callbacks.Subscription, error) {
	queue, err := b.client.topology.DeclareExclusiveQueue(ctx, rabbitmq.EventExchange, subject)
	if err != nil {
		return nil, err
	}

	err = b.client.consumer.Subscribe(ctx, queue, func(ctx context.Context, d rabbitmq.Delivery) error {
		return handler(ctx, d.Subject, d.Body)
	})
	if err != nil {
		return nil, err
	}

	return &eventSubscription{client: b.client, queue: queue}, nil
}

type eventSubscription struct {
	client *Client
	queue  string
}

func (s *eventSubscription) Unsubscribe() error {
	return s.client.consumer.Unsubscribe(s.queue)
}
