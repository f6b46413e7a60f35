package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/busrpc-go/contracts"
	"github.com/glimte/busrpc-go/internal/rabbitmq"
)

// Control subjects live under a reserved prefix so they never collide
// with service methods.
const (
	controlPrefix   = "_svc."
	announceSubject = "_svc.announce"
)

// ServiceEndpoint answers control requests (ping, info, stats) for one
// server instance and announces its presence on the event exchange.
// Each instance binds its own exclusive control queue, so a ping
// reaches every instance rather than one member of the group.
type ServiceEndpoint struct {
	service    string
	group      string
	instanceID string
	publisher  Publisher
	consumer   Consumer
	topology   Topology
	logger     *slog.Logger

	queue     string
	startedAt time.Time

	requests      atomic.Int64
	notifications atomic.Int64
	errors        atomic.Int64
}

// NewServiceEndpoint creates a control endpoint for a server instance.
func NewServiceEndpoint(service, group string, publisher Publisher, consumer Consumer, topology Topology, logger *slog.Logger) *ServiceEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceEndpoint{
		service:    service,
		group:      group,
		instanceID: uuid.New().String(),
		publisher:  publisher,
		consumer:   consumer,
		topology:   topology,
		logger:     logger,
	}
}

// InstanceID returns this instance's unique id.
func (e *ServiceEndpoint) InstanceID() string {
	return e.instanceID
}

// Start binds the control queue and announces the instance.
func (e *ServiceEndpoint) Start(ctx context.Context) error {
	subject := controlPrefix + e.service + ".>"
	queue, err := e.topology.DeclareExclusiveQueue(ctx, rabbitmq.RequestExchange, subject)
	if err != nil {
		return err
	}
	e.queue = queue

	if err := e.consumer.Subscribe(ctx, queue, e.handleControl); err != nil {
		return err
	}

	e.startedAt = time.Now()
	e.announce(ctx, "up")
	e.logger.Debug("control endpoint started",
		"service", e.service, "instance", e.instanceID, "queue", queue)
	return nil
}

// Stop releases the control queue and announces departure.
func (e *ServiceEndpoint) Stop() error {
	e.announce(context.Background(), "down")
	if e.queue == "" {
		return nil
	}
	return e.consumer.Unsubscribe(e.queue)
}

func (e *ServiceEndpoint) recordRequest()      { e.requests.Add(1) }
func (e *ServiceEndpoint) recordNotification() { e.notifications.Add(1) }
func (e *ServiceEndpoint) recordError()        { e.errors.Add(1) }

// handleControl answers ping, info, and stats requests. Control
// requests without a reply address have no one to answer.
func (e *ServiceEndpoint) handleControl(ctx context.Context, d rabbitmq.Delivery) error {
	if d.ReplyTo == "" {
		return nil
	}

	msg, err := contracts.Decode(d.Body)
	if err != nil {
		e.logger.Warn("malformed control request", "subject", d.Subject, "error", err)
		return nil
	}
	req, ok := msg.(*contracts.Request)
	if !ok {
		return nil
	}

	op := d.Subject[strings.LastIndex(d.Subject, ".")+1:]
	var result any
	switch op {
	case "ping":
		result = map[string]any{
			"status":   "ok",
			"service":  e.service,
			"instance": e.instanceID,
			"time":     time.Now().UTC().Format(time.RFC3339),
		}
	case "info":
		result = map[string]any{
			"service":    e.service,
			"group":      e.group,
			"instance":   e.instanceID,
			"started_at": e.startedAt.UTC().Format(time.RFC3339),
		}
	case "stats":
		result = map[string]any{
			"service":        e.service,
			"instance":       e.instanceID,
			"requests":       e.requests.Load(),
			"notifications":  e.notifications.Load(),
			"errors":         e.errors.Load(),
			"uptime_seconds": int64(time.Since(e.startedAt).Seconds()),
		}
	default:
		e.logger.Debug("unknown control operation", "subject", d.Subject)
		return nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	body, err := contracts.Encode(&contracts.Response{ID: req.ID, Result: payload})
	if err != nil {
		return err
	}
	return e.publisher.PublishReply(ctx, d.ReplyTo, d.CorrelationID, body)
}

// announce publishes an instance lifecycle event, best effort.
func (e *ServiceEndpoint) announce(ctx context.Context, status string) {
	params, err := json.Marshal(map[string]any{
		"service":  e.service,
		"group":    e.group,
		"instance": e.instanceID,
		"status":   status,
	})
	if err != nil {
		return
	}
	body, err := contracts.Encode(&contracts.Notification{Method: "announce", Params: params})
	if err != nil {
		return
	}
	if err := e.publisher.Publish(ctx, rabbitmq.EventExchange, announceSubject, body); err != nil {
		e.logger.Debug("failed to publish announce",
			"service", e.service, "status", status, "error", err)
	}
}
