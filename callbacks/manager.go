package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCallbackNotFound is returned when waiting on an id that was
	// never registered or has already been cleaned up.
	ErrCallbackNotFound = errors.New("callbacks: callback id not registered")

	// ErrCallbackTimeout is returned to the waiter when no terminal
	// message arrives in time.
	ErrCallbackTimeout = errors.New("callbacks: timed out waiting for callback")

	// ErrCallbackCanceled is returned to waiters of an explicitly
	// canceled callback.
	ErrCallbackCanceled = errors.New("callbacks: callback canceled")

	// ErrManagerClosed resolves all outstanding waiters when the
	// manager shuts down, and is returned by operations afterwards.
	ErrManagerClosed = errors.New("callbacks: manager closed")
)

// DefaultNamespace is the subject prefix callbacks are delivered on.
const DefaultNamespace = "mcp.callbacks"

// DefaultTimeout bounds a registration that never receives a terminal
// message.
const DefaultTimeout = time.Hour

// Bus is the slice of bus capability the manager needs: fire-and-forget
// publish and per-subject subscriptions.
type Bus interface {
	Publish(ctx context.Context, subject string, body []byte) error
	Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, subject string, body []byte) error) (Subscription, error)
}

// Subscription is a bus subscription owned by the manager; released on
// resolution, cancel, timeout, or Close.
type Subscription interface {
	Unsubscribe() error
}

// Registration identifies a registered callback to the caller.
type Registration struct {
	ID      string
	Subject string
}

// registration is the manager's internal record for one callback.
type registration struct {
	id       string
	subject  string
	cell     *ResultCell
	metadata map[string]any
	deadline time.Time
	sub      Subscription
}

// Manager implements registration, delivery, and resolution of
// asynchronous results over bus publish/subscribe.
type Manager struct {
	bus           Bus
	namespace     string
	registrations map[string]*registration
	mu            sync.RWMutex
	closed        bool
	logger        *slog.Logger
	onProgress    func(callbackID string, msg Message)
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithNamespace sets the callback subject prefix.
func WithNamespace(namespace string) ManagerOption {
	return func(m *Manager) {
		m.namespace = namespace
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithProgressObserver registers a function invoked for every progress
// message. Progress is at-least-once and unordered; the observer must
// tolerate both.
func WithProgressObserver(fn func(callbackID string, msg Message)) ManagerOption {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// NewManager creates a callback manager over a bus.
func NewManager(bus Bus, options ...ManagerOption) (*Manager, error) {
	if bus == nil {
		return nil, fmt.Errorf("callbacks: bus cannot be nil")
	}

	m := &Manager{
		bus:           bus,
		namespace:     DefaultNamespace,
		registrations: make(map[string]*registration),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m, nil
}

// Register allocates a callback id, subscribes to its subject, and
// creates an unresolved result slot. A zero timeout uses
// DefaultTimeout.
func (m *Manager) Register(ctx context.Context, timeout time.Duration, metadata map[string]any) (Registration, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id := uuid.New().String()
	subject := m.namespace + "." + id

	reg := &registration{
		id:       id,
		subject:  subject,
		cell:     NewResultCell(),
		metadata: metadata,
		deadline: time.Now().Add(timeout),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Registration{}, ErrManagerClosed
	}
	m.registrations[id] = reg
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(ctx, subject, m.handleCallback)
	if err != nil {
		m.mu.Lock()
		delete(m.registrations, id)
		m.mu.Unlock()
		return Registration{}, fmt.Errorf("failed to subscribe to callback subject: %w", err)
	}

	m.mu.Lock()
	reg.sub = sub
	m.mu.Unlock()

	m.logger.Debug("registered callback", "callbackId", id, "subject", subject)
	return Registration{ID: id, Subject: subject}, nil
}

// Wait blocks until the callback's terminal message arrives or the
// timeout elapses. A non-positive timeout falls back to the deadline
// recorded at registration. Timeout, resolution, and an abandoning
// context all remove the registration and release its subscription.
func (m *Manager) Wait(ctx context.Context, callbackID string, timeout time.Duration) (Message, error) {
	m.mu.RLock()
	reg, exists := m.registrations[callbackID]
	closed := m.closed
	m.mu.RUnlock()

	if !exists {
		if closed {
			return Message{}, ErrManagerClosed
		}
		return Message{}, fmt.Errorf("%w: %s", ErrCallbackNotFound, callbackID)
	}

	if timeout <= 0 {
		timeout = time.Until(reg.deadline)
		if timeout <= 0 && !reg.cell.Resolved() {
			m.cleanup(callbackID)
			return Message{}, ErrCallbackTimeout
		}
	}

	msg, err := reg.cell.Wait(ctx, timeout)
	switch {
	case err == nil,
		errors.Is(err, ErrCallbackTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		m.cleanup(callbackID)
	}
	return msg, err
}

// Send publishes a callback message to a subject, fire-and-forget.
func (m *Manager) Send(ctx context.Context, subject string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode callback message: %w", err)
	}
	return m.bus.Publish(ctx, subject, body)
}

// SendProgress publishes a progress update. Total and message are
// optional.
func (m *Manager) SendProgress(ctx context.Context, subject string, progress float64, total *float64, message string) error {
	return m.Send(ctx, subject, Message{
		Status:   StatusProgress,
		Progress: progress,
		Total:    total,
		Message:  message,
	})
}

// Cancel stops waiting for a callback. The server-side operation may
// still run to completion; its terminal message will be dropped.
func (m *Manager) Cancel(callbackID string) bool {
	m.mu.RLock()
	reg, exists := m.registrations[callbackID]
	m.mu.RUnlock()

	if !exists {
		return false
	}

	reg.cell.Fail(ErrCallbackCanceled)
	m.cleanup(callbackID)
	return true
}

// Pending returns the ids of callbacks still awaiting resolution.
func (m *Manager) Pending() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.registrations))
	for id := range m.registrations {
		ids = append(ids, id)
	}
	return ids
}

// Metadata returns the metadata recorded at registration.
func (m *Manager) Metadata(callbackID string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, exists := m.registrations[callbackID]
	if !exists {
		return nil, false
	}
	return reg.metadata, true
}

// handleCallback dispatches an incoming callback message. Progress
// messages only notify observers; the first terminal message resolves
// the cell and triggers cleanup. Later terminals for the same id are
// dropped.
func (m *Manager) handleCallback(ctx context.Context, subject string, body []byte) error {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 || idx == len(subject)-1 {
		m.logger.Warn("callback with invalid subject format", "subject", subject)
		return nil
	}
	callbackID := subject[idx+1:]

	m.mu.RLock()
	reg, exists := m.registrations[callbackID]
	m.mu.RUnlock()

	if !exists {
		m.logger.Warn("callback for unknown id", "callbackId", callbackID)
		return nil
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		m.logger.Error("failed to decode callback message",
			"callbackId", callbackID, "error", err)
		return nil
	}

	if msg.Status == StatusProgress {
		if m.onProgress != nil {
			m.onProgress(callbackID, msg)
		}
		m.logger.Debug("callback progress",
			"callbackId", callbackID, "progress", msg.Progress)
		return nil
	}

	if !msg.Terminal() {
		m.logger.Warn("callback with unknown status",
			"callbackId", callbackID, "status", msg.Status)
		return nil
	}

	if reg.cell.Resolve(msg) {
		// The subject is done, but the registration stays until the
		// waiter collects the result.
		m.release(callbackID)
	}
	return nil
}

// release drops a registration's subscription while keeping its
// resolved cell available to Wait.
func (m *Manager) release(callbackID string) {
	m.mu.Lock()
	reg, exists := m.registrations[callbackID]
	var sub Subscription
	if exists {
		sub = reg.sub
		reg.sub = nil
	}
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("failed to unsubscribe callback subject",
				"callbackId", callbackID, "error", err)
		}
	}
}

// cleanup releases a registration's subscription and removes it.
func (m *Manager) cleanup(callbackID string) {
	m.mu.Lock()
	reg, exists := m.registrations[callbackID]
	if exists {
		delete(m.registrations, callbackID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	if reg.sub != nil {
		if err := reg.sub.Unsubscribe(); err != nil {
			m.logger.Warn("failed to unsubscribe callback subject",
				"subject", reg.subject, "error", err)
		}
	}
}

// Close releases all subscriptions and resolves every outstanding
// waiter with ErrManagerClosed so none blocks forever.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	regs := m.registrations
	m.registrations = make(map[string]*registration)
	m.mu.Unlock()

	for _, reg := range regs {
		reg.cell.Fail(ErrManagerClosed)
		if reg.sub != nil {
			if err := reg.sub.Unsubscribe(); err != nil {
				m.logger.Warn("failed to unsubscribe callback subject",
					"subject", reg.subject, "error", err)
			}
		}
	}
	return nil
}
