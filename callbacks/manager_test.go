package callbacks

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackBus routes published messages synchronously to the handlers
// subscribed on the same subject, standing in for the event exchange.
type loopbackBus struct {
	mu        sync.Mutex
	handlers  map[string]func(ctx context.Context, subject string, body []byte) error
	published []string
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[string]func(ctx context.Context, subject string, body []byte) error)}
}

func (b *loopbackBus) Publish(ctx context.Context, subject string, body []byte) error {
	b.mu.Lock()
	b.published = append(b.published, subject)
	handler := b.handlers[subject]
	b.mu.Unlock()

	if handler != nil {
		return handler(ctx, subject, body)
	}
	return nil
}

func (b *loopbackBus) Subscribe(ctx context.Context, subject string, handler func(ctx context.Context, subject string, body []byte) error) (Subscription, error) {
	b.mu.Lock()
	b.handlers[subject] = handler
	b.mu.Unlock()
	return &loopbackSub{bus: b, subject: subject}, nil
}

func (b *loopbackBus) subscribed(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[subject]
	return ok
}

type loopbackSub struct {
	bus     *loopbackBus
	subject string
}

func (s *loopbackSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.subject)
	return nil
}

func TestManagerRegister(t *testing.T) {
	t.Run("allocates id under the namespace", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		assert.NotEmpty(t, reg.ID)
		assert.Equal(t, DefaultNamespace+"."+reg.ID, reg.Subject)
		assert.True(t, bus.subscribed(reg.Subject))
		assert.Contains(t, m.Pending(), reg.ID)
	})

	t.Run("custom namespace", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus, WithNamespace("jobs.done"))
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(reg.Subject, "jobs.done."))
	})

	t.Run("keeps metadata", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, map[string]any{"method": "sum"})
		require.NoError(t, err)

		meta, ok := m.Metadata(reg.ID)
		require.True(t, ok)
		assert.Equal(t, "sum", meta["method"])
	})

	t.Run("fails after close", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)
		require.NoError(t, m.Close())

		_, err = m.Register(context.Background(), time.Minute, nil)
		assert.ErrorIs(t, err, ErrManagerClosed)
	})

	t.Run("nil bus rejected", func(t *testing.T) {
		_, err := NewManager(nil)
		assert.Error(t, err)
	})
}

func TestManagerResolution(t *testing.T) {
	t.Run("terminal message resolves the waiter", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		result := json.RawMessage(`{"answer":42}`)
		require.NoError(t, m.Send(context.Background(), reg.Subject, Message{
			Status: StatusCompleted,
			Result: result,
		}))

		msg, err := m.Wait(context.Background(), reg.ID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, msg.Status)
		assert.JSONEq(t, string(result), string(msg.Result))

		// Resolution releases the registration and its subscription.
		assert.Empty(t, m.Pending())
		assert.False(t, bus.subscribed(reg.Subject))
	})

	t.Run("first terminal wins, later ones are dropped", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		require.NoError(t, m.Send(context.Background(), reg.Subject, Message{Status: StatusCompleted}))
		// The subscription is already gone, so this publish goes nowhere.
		require.NoError(t, m.Send(context.Background(), reg.Subject, Message{Status: StatusError, Error: "late"}))

		msg, err := m.Wait(context.Background(), reg.ID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, msg.Status)
	})

	t.Run("error terminal carries the error text", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		require.NoError(t, m.Send(context.Background(), reg.Subject, Message{Status: StatusError, Error: "exploded"}))

		msg, err := m.Wait(context.Background(), reg.ID, time.Second)
		require.NoError(t, err)
		assert.Equal(t, StatusError, msg.Status)
		assert.Equal(t, "exploded", msg.Error)
	})

	t.Run("progress notifies the observer without resolving", func(t *testing.T) {
		bus := newLoopbackBus()

		var observed []Message
		m, err := NewManager(bus, WithProgressObserver(func(id string, msg Message) {
			observed = append(observed, msg)
		}))
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		total := 10.0
		require.NoError(t, m.SendProgress(context.Background(), reg.Subject, 3, &total, "step 3"))
		require.NoError(t, m.SendProgress(context.Background(), reg.Subject, 7, &total, "step 7"))

		require.Len(t, observed, 2)
		assert.Equal(t, 3.0, observed[0].Progress)
		assert.Equal(t, "step 7", observed[1].Message)
		assert.Contains(t, m.Pending(), reg.ID)
	})

	t.Run("wait on unknown id", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		_, err = m.Wait(context.Background(), "nope", time.Second)
		assert.ErrorIs(t, err, ErrCallbackNotFound)
	})

	t.Run("zero wait timeout falls back to the registration deadline", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), 20*time.Millisecond, nil)
		require.NoError(t, err)

		start := time.Now()
		_, err = m.Wait(context.Background(), reg.ID, 0)
		assert.ErrorIs(t, err, ErrCallbackTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.Empty(t, m.Pending())
		assert.False(t, bus.subscribed(reg.Subject))
	})

	t.Run("expired deadline still yields an already resolved result", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Millisecond, nil)
		require.NoError(t, err)

		require.NoError(t, m.Send(context.Background(), reg.Subject, Message{Status: StatusCompleted}))
		time.Sleep(10 * time.Millisecond)

		msg, err := m.Wait(context.Background(), reg.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, msg.Status)
	})

	t.Run("abandoning waiter releases the registration", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		waitErr := make(chan error, 1)
		go func() {
			_, err := m.Wait(ctx, reg.ID, time.Minute)
			waitErr <- err
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-waitErr:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by cancellation")
		}

		assert.Empty(t, m.Pending())
		assert.False(t, bus.subscribed(reg.Subject))
	})

	t.Run("wait timeout removes the registration", func(t *testing.T) {
		bus := newLoopbackBus()
		m, err := NewManager(bus)
		require.NoError(t, err)

		reg, err := m.Register(context.Background(), time.Minute, nil)
		require.NoError(t, err)

		_, err = m.Wait(context.Background(), reg.ID, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrCallbackTimeout)
		assert.Empty(t, m.Pending())
		assert.False(t, bus.subscribed(reg.Subject))
	})
}

func TestManagerCancel(t *testing.T) {
	bus := newLoopbackBus()
	m, err := NewManager(bus)
	require.NoError(t, err)

	reg, err := m.Register(context.Background(), time.Minute, nil)
	require.NoError(t, err)

	assert.True(t, m.Cancel(reg.ID))
	assert.False(t, m.Cancel(reg.ID))
	assert.Empty(t, m.Pending())
	assert.False(t, bus.subscribed(reg.Subject))
}

func TestManagerClose(t *testing.T) {
	bus := newLoopbackBus()
	m, err := NewManager(bus)
	require.NoError(t, err)

	reg, err := m.Register(context.Background(), time.Minute, nil)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := m.Wait(context.Background(), reg.ID, time.Minute)
		waitErr <- err
	}()

	// Give the waiter a moment to block on the cell.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrManagerClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	assert.False(t, bus.subscribed(reg.Subject))
	assert.NoError(t, m.Close())
}
