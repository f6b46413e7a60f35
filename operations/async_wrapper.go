package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/glimte/busrpc-go/callbacks"
)

// CallbackKey is the params field carrying callback metadata on a
// callback-enabled call.
const CallbackKey = "_callback"

// callbackMeta is the callback metadata embedded in request params.
type callbackMeta struct {
	Subject        string `json:"subject"`
	HandleProgress bool   `json:"handle_progress"`
}

// acceptedAck is the immediate response to a callback-enabled call.
type acceptedAck struct {
	Status  callbacks.Status `json:"status"`
	Message string           `json:"message"`
}

// AsyncWrapper composes an Operation with asynchronous execution. It
// holds a reference to the wrapped operation rather than mutating it:
// without callback metadata in the params it is transparent; with
// metadata it acknowledges immediately, runs the operation in the
// background, and publishes exactly one terminal message to the
// callback subject.
type AsyncWrapper struct {
	name    string
	wrapped Operation
	manager *callbacks.Manager
	logger  *slog.Logger
}

// WrapperOption configures the wrapper.
type WrapperOption func(*AsyncWrapper)

// WithWrapperLogger sets the logger.
func WithWrapperLogger(logger *slog.Logger) WrapperOption {
	return func(w *AsyncWrapper) {
		w.logger = logger
	}
}

// NewAsyncWrapper wraps an operation.
func NewAsyncWrapper(name string, op Operation, manager *callbacks.Manager, options ...WrapperOption) *AsyncWrapper {
	w := &AsyncWrapper{
		name:    name,
		wrapped: op,
		manager: manager,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// Invoke implements Operation.
func (w *AsyncWrapper) Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	meta, stripped, err := extractCallbackMeta(params)
	if err != nil {
		return nil, err
	}

	if meta == nil {
		return w.invokeWrapped(ctx, params, callbacks.NewProgressReporter(w.manager, "", false))
	}

	reporter := callbacks.NewProgressReporter(w.manager, meta.Subject, meta.HandleProgress)

	// The background task must outlive the request that spawned it.
	bgCtx := context.WithoutCancel(ctx)
	go w.runBackground(bgCtx, meta.Subject, stripped, reporter)

	ack := acceptedAck{
		Status:  callbacks.StatusAccepted,
		Message: fmt.Sprintf("processing %s asynchronously", w.name),
	}
	return json.Marshal(ack)
}

// runBackground executes the wrapped operation and publishes its
// terminal message. A panicking operation still reaches the error
// branch; every invocation produces exactly one terminal publish.
func (w *AsyncWrapper) runBackground(ctx context.Context, subject string, params json.RawMessage, reporter callbacks.ProgressReporter) {
	var result json.RawMessage
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("operation %s panicked: %v", w.name, r)
			}
		}()
		result, err = w.invokeWrapped(ctx, params, reporter)
	}()

	terminal := callbacks.Message{Status: callbacks.StatusCompleted, Result: result}
	if err != nil {
		terminal = callbacks.Message{Status: callbacks.StatusError, Error: err.Error()}
		w.logger.Error("background operation failed",
			"operation", w.name, "subject", subject, "error", err)
	} else {
		w.logger.Info("background operation completed",
			"operation", w.name, "subject", subject)
	}

	if sendErr := w.manager.Send(ctx, subject, terminal); sendErr != nil {
		w.logger.Error("failed to publish terminal callback",
			"operation", w.name, "subject", subject, "error", sendErr)
	}
}

// invokeWrapped calls the wrapped operation, injecting the reporter
// when it is progress-aware.
func (w *AsyncWrapper) invokeWrapped(ctx context.Context, params json.RawMessage, reporter callbacks.ProgressReporter) (json.RawMessage, error) {
	if pa, ok := w.wrapped.(ProgressAware); ok {
		return pa.InvokeWithProgress(ctx, params, reporter)
	}
	return w.wrapped.Invoke(ctx, params)
}

// extractCallbackMeta pops the callback field from the params object.
// Params that are not a JSON object cannot carry callback metadata and
// pass through untouched.
func extractCallbackMeta(params json.RawMessage) (*callbackMeta, json.RawMessage, error) {
	if len(params) == 0 {
		return nil, params, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, params, nil
	}

	raw, ok := fields[CallbackKey]
	if !ok {
		return nil, params, nil
	}

	var meta callbackMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("invalid callback metadata: %w", err)
	}
	if meta.Subject == "" {
		return nil, params, nil
	}

	delete(fields, CallbackKey)
	stripped, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to re-encode params: %w", err)
	}

	return &meta, stripped, nil
}
