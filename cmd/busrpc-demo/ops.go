package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/busrpc-go/callbacks"
	"github.com/glimte/busrpc-go/operations"
)

// registerDemoOps populates the registry with the demo methods.
func registerDemoOps(registry *operations.Registry) error {
	if err := registry.RegisterFunc("echo", echoOp); err != nil {
		return err
	}
	if err := registry.RegisterFunc("sum", sumOp); err != nil {
		return err
	}
	return registry.Register("countdown", &countdownOp{})
}

// echoOp returns its params unchanged.
func echoOp(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage("null"), nil
	}
	return params, nil
}

// sumOp adds the numbers in {"values": [...]}.
func sumOp(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Values []float64 `json:"values"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	var total float64
	for _, v := range in.Values {
		total += v
	}
	return json.Marshal(map[string]float64{"sum": total})
}

// countdownOp sleeps for {"seconds": n}, reporting progress once per
// second. It exists to exercise the asynchronous callback flow.
type countdownOp struct{}

func (o *countdownOp) Invoke(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return o.InvokeWithProgress(ctx, params, callbacks.NewProgressReporter(nil, "", false))
}

func (o *countdownOp) InvokeWithProgress(ctx context.Context, params json.RawMessage, reporter callbacks.ProgressReporter) (json.RawMessage, error) {
	var in struct {
		Seconds int `json:"seconds"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if in.Seconds <= 0 {
		in.Seconds = 5
	}

	total := float64(in.Seconds)
	for i := 0; i < in.Seconds; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
		pct := float64(i+1) / total * 100
		if err := reporter.Report(ctx, pct, &total, fmt.Sprintf("%d of %d", i+1, in.Seconds)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(map[string]any{"done": true, "seconds": in.Seconds})
}
