package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/busrpc-go/contracts"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
	"github.com/glimte/busrpc-go/internal/reliability"
)

func recvIncoming(t *testing.T, conn *Conn) Incoming {
	t.Helper()
	select {
	case in := <-conn.Incoming():
		return in
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for incoming message")
		return Incoming{}
	}
}

func sendOutgoing(t *testing.T, conn *Conn, msg contracts.Message) {
	t.Helper()
	select {
	case conn.Outgoing() <- msg:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out writing outgoing message")
	}
}

func newTestClientBridge(t *testing.T, requester *fakeRequester, options ...ClientOption) (*ClientBridge, *fakePublisher, *fakeConsumer, *fakeTopology) {
	t.Helper()
	publisher := &fakePublisher{}
	consumer := newFakeConsumer()
	topology := &fakeTopology{}

	b, err := NewClientBridge("calc", requester, publisher, consumer, topology, options...)
	require.NoError(t, err)
	return b, publisher, consumer, topology
}

func TestNewClientBridge(t *testing.T) {
	t.Run("requires service name", func(t *testing.T) {
		_, err := NewClientBridge("", &fakeRequester{}, &fakePublisher{}, newFakeConsumer(), &fakeTopology{})
		assert.Error(t, err)
	})

	t.Run("requires transport", func(t *testing.T) {
		_, err := NewClientBridge("calc", nil, &fakePublisher{}, newFakeConsumer(), &fakeTopology{})
		assert.Error(t, err)
	})
}

func TestClientBridgeOpen(t *testing.T) {
	t.Run("subscribes default event subject", func(t *testing.T) {
		b, _, consumer, topology := newTestClientBridge(t, &fakeRequester{})

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		q, ok := topology.exclusiveFor("calc.events.>")
		require.True(t, ok)
		assert.Equal(t, rabbitmq.EventExchange, q.exchange)
		assert.True(t, consumer.subscribed(q.queue))
	})

	t.Run("subscribes custom event subjects", func(t *testing.T) {
		b, _, _, topology := newTestClientBridge(t, &fakeRequester{},
			WithEventSubjects("calc.alerts.>", "calc.audit.created"))

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		_, ok := topology.exclusiveFor("calc.alerts.>")
		assert.True(t, ok)
		_, ok = topology.exclusiveFor("calc.audit.created")
		assert.True(t, ok)
	})

	t.Run("close releases subscriptions", func(t *testing.T) {
		b, _, consumer, topology := newTestClientBridge(t, &fakeRequester{})

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		q, _ := topology.exclusiveFor("calc.events.>")
		assert.Contains(t, consumer.unsubscribed, q.queue)
	})
}

func TestClientBridgeRequests(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		reply, err := contracts.Encode(&contracts.Response{
			ID:     json.RawMessage(`"req-1"`),
			Result: json.RawMessage(`{"sum":3}`),
		})
		require.NoError(t, err)

		requester := &fakeRequester{reply: reply}
		b, _, _, _ := newTestClientBridge(t, requester, WithRequestTimeout(5*time.Second))

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Request{
			ID:     json.RawMessage(`"req-1"`),
			Method: "sum",
			Params: json.RawMessage(`{"values":[1,2]}`),
		})

		in := recvIncoming(t, conn)
		require.NoError(t, in.Err)
		resp, ok := in.Msg.(*contracts.Response)
		require.True(t, ok)
		assert.Equal(t, `"req-1"`, string(resp.ID))
		assert.JSONEq(t, `{"sum":3}`, string(resp.Result))

		call, ok := requester.lastCall()
		require.True(t, ok)
		assert.Equal(t, rabbitmq.RequestExchange, call.exchange)
		assert.Equal(t, "calc.sum", call.subject)
		assert.Equal(t, 5*time.Second, call.timeout)
	})

	t.Run("transport failure synthesizes an error reply", func(t *testing.T) {
		requester := &fakeRequester{err: rabbitmq.ErrRequestTimeout}
		b, _, _, _ := newTestClientBridge(t, requester)

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Request{ID: json.RawMessage(`7`), Method: "sum"})

		in := recvIncoming(t, conn)
		require.NoError(t, in.Err)
		errResp, ok := in.Msg.(*contracts.ErrorResponse)
		require.True(t, ok)
		assert.Equal(t, `7`, string(errResp.ID))
		assert.Equal(t, contracts.CodeRequestFailed, errResp.Err.Code)
	})

	t.Run("malformed reply keeps the request id", func(t *testing.T) {
		requester := &fakeRequester{reply: []byte(`{not json`)}
		b, _, _, _ := newTestClientBridge(t, requester)

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Request{ID: json.RawMessage(`"x"`), Method: "sum"})

		in := recvIncoming(t, conn)
		require.NoError(t, in.Err)
		errResp, ok := in.Msg.(*contracts.ErrorResponse)
		require.True(t, ok)
		assert.Equal(t, `"x"`, string(errResp.ID))
		assert.Equal(t, contracts.CodeRequestFailed, errResp.Err.Code)
	})

	t.Run("responses written by the client are dropped", func(t *testing.T) {
		requester := &fakeRequester{}
		b, publisher, _, _ := newTestClientBridge(t, requester)

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Response{ID: json.RawMessage(`"x"`)})

		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, requester.callCount())
		assert.Zero(t, publisher.publishCount())
	})
}

func TestClientBridgeNotifications(t *testing.T) {
	t.Run("published fire and forget", func(t *testing.T) {
		b, publisher, _, _ := newTestClientBridge(t, &fakeRequester{})

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Notification{
			Method: "log",
			Params: json.RawMessage(`{"level":"info"}`),
		})

		require.Eventually(t, func() bool {
			return publisher.publishCount() == 1
		}, 2*time.Second, 10*time.Millisecond)

		msgs := publisher.publishedTo(rabbitmq.RequestExchange)
		require.Len(t, msgs, 1)
		assert.Equal(t, "calc.log", msgs[0].subject)

		decoded, err := contracts.Decode(msgs[0].body)
		require.NoError(t, err)
		assert.IsType(t, &contracts.Notification{}, decoded)
	})

	t.Run("retried on transient failure", func(t *testing.T) {
		b, publisher, _, _ := newTestClientBridge(t, &fakeRequester{},
			WithPublishRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		publisher.failNext = 2

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		sendOutgoing(t, conn, &contracts.Notification{Method: "log"})

		require.Eventually(t, func() bool {
			return publisher.publishCount() == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestClientBridgeEvents(t *testing.T) {
	t.Run("decoded events reach the read channel", func(t *testing.T) {
		b, _, consumer, topology := newTestClientBridge(t, &fakeRequester{})

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		q, _ := topology.exclusiveFor("calc.events.>")
		body, err := contracts.Encode(&contracts.Notification{Method: "updated"})
		require.NoError(t, err)

		require.NoError(t, consumer.deliver(context.Background(), q.queue, rabbitmq.Delivery{
			Subject: "calc.events.updated",
			Body:    body,
		}))

		in := recvIncoming(t, conn)
		require.NoError(t, in.Err)
		n, ok := in.Msg.(*contracts.Notification)
		require.True(t, ok)
		assert.Equal(t, "updated", n.Method)
	})

	t.Run("malformed events become error values", func(t *testing.T) {
		b, _, consumer, topology := newTestClientBridge(t, &fakeRequester{})

		conn, err := b.Open(context.Background())
		require.NoError(t, err)
		defer conn.Close()

		q, _ := topology.exclusiveFor("calc.events.>")
		require.NoError(t, consumer.deliver(context.Background(), q.queue, rabbitmq.Delivery{
			Subject: "calc.events.updated",
			Body:    []byte("garbage"),
		}))

		in := recvIncoming(t, conn)
		assert.Error(t, in.Err)
	})
}

func TestClientBridgeOpenFailures(t *testing.T) {
	t.Run("exchange declaration failure", func(t *testing.T) {
		publisher := &fakePublisher{}
		consumer := newFakeConsumer()
		topology := &fakeTopology{declareErr: errors.New("no broker")}

		b, err := NewClientBridge("calc", &fakeRequester{}, publisher, consumer, topology)
		require.NoError(t, err)

		_, err = b.Open(context.Background())
		assert.Error(t, err)
	})

	t.Run("subscription failure", func(t *testing.T) {
		publisher := &fakePublisher{}
		consumer := newFakeConsumer()
		consumer.subscribeErr = errors.New("channel closed")

		b, err := NewClientBridge("calc", &fakeRequester{}, publisher, consumer, &fakeTopology{})
		require.NoError(t, err)

		_, err = b.Open(context.Background())
		assert.Error(t, err)
	})
}
