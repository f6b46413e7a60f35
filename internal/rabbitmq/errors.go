package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// Channel errors
	ErrChannelPoolClosed = errors.New("rabbitmq: channel pool is closed")

	// Request/reply errors
	ErrRequestTimeout   = errors.New("rabbitmq: request timed out waiting for reply")
	ErrRequesterClosed  = errors.New("rabbitmq: requester is closed")
	ErrNoReplyAddress   = errors.New("rabbitmq: delivery carries no reply address")
	ErrTooManyInFlight  = errors.New("rabbitmq: too many in-flight requests")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectError reports a failure to establish the broker connection.
// It is fatal: the bridge surfaces it at startup and does not retry the
// initial connect on the caller's behalf.
type ConnectError struct {
	URL       string
	Err       error
	Timestamp time.Time
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rabbitmq connect error: %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed publish to a subject.
type PublishError struct {
	Exchange  string
	Subject   string
	Err       error
	Timestamp time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s/%s: %v", e.Exchange, e.Subject, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SubscribeError reports a failed subscription setup or teardown.
type SubscribeError struct {
	Queue     string
	Subject   string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("rabbitmq subscribe error: %s on queue %s (subject %s): %v",
		e.Op, e.Queue, e.Subject, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes credential detail from connection URLs before
// they reach logs.
func SanitizeURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}
