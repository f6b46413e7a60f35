package callbacks

import (
	"context"
	"sync"
	"time"
)

// ResultCell is a single-assignment slot for a callback's terminal
// message. Exactly one write succeeds; all readers block until the
// cell resolves, their context ends, or the timeout elapses.
type ResultCell struct {
	done chan struct{}
	once sync.Once
	msg  Message
	err  error
}

// NewResultCell creates an unresolved cell.
func NewResultCell() *ResultCell {
	return &ResultCell{done: make(chan struct{})}
}

// Resolve stores the terminal message. Returns false if the cell was
// already resolved; the first writer wins.
func (c *ResultCell) Resolve(msg Message) bool {
	won := false
	c.once.Do(func() {
		c.msg = msg
		close(c.done)
		won = true
	})
	return won
}

// Fail resolves the cell with an error instead of a message.
func (c *ResultCell) Fail(err error) bool {
	won := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		won = true
	})
	return won
}

// Resolved reports whether the cell has been written.
func (c *ResultCell) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the cell resolves or the timeout elapses. A zero
// timeout waits until the context ends.
func (c *ResultCell) Wait(ctx context.Context, timeout time.Duration) (Message, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-c.done:
		return c.msg, c.err
	case <-timeoutCh:
		return Message{}, ErrCallbackTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
