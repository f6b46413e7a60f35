package operations

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/busrpc-go/callbacks"
)

// Operation is a named invocable unit of work. Params and results are
// opaque JSON, matching the protocol the bridge carries.
type Operation interface {
	Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// OperationFunc is a function adapter for Operation.
type OperationFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Invoke implements Operation.
func (f OperationFunc) Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, params)
}

// ProgressAware is implemented by operations that can report progress
// during execution. The reporter is bound to the invocation's callback
// subject, or discards reports for synchronous calls.
type ProgressAware interface {
	Operation
	InvokeWithProgress(ctx context.Context, params json.RawMessage, reporter callbacks.ProgressReporter) (json.RawMessage, error)
}

// Registry holds the operations a server exposes. It is populated
// explicitly by the hosting application at startup and passed by
// reference; there is no ambient global registry.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Register adds an operation under a method name.
func (r *Registry) Register(name string, op Operation) error {
	if name == "" {
		return fmt.Errorf("operations: name cannot be empty")
	}
	if op == nil {
		return fmt.Errorf("operations: operation cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[name]; exists {
		return fmt.Errorf("operations: %q already registered", name)
	}
	r.ops[name] = op
	return nil
}

// RegisterFunc adds a function as an operation.
func (r *Registry) RegisterFunc(name string, fn OperationFunc) error {
	return r.Register(name, fn)
}

// Get returns the operation registered under a name.
func (r *Registry) Get(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WrapAsync replaces every registered operation with its async
// invocation wrapper, so callback-enabled calls acknowledge
// immediately and deliver results through the manager.
func (r *Registry) WrapAsync(manager *callbacks.Manager, options ...WrapperOption) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, op := range r.ops {
		r.ops[name] = NewAsyncWrapper(name, op, manager, options...)
	}
}
