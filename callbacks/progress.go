package callbacks

import "context"

// ProgressReporter sends progress updates for one invocation, bound to
// its callback subject.
type ProgressReporter interface {
	Report(ctx context.Context, progress float64, total *float64, message string) error
}

// boundReporter publishes progress through a manager to one subject.
type boundReporter struct {
	manager *Manager
	subject string
	enabled bool
}

// NewProgressReporter binds a reporter to a callback subject. When
// disabled (the caller asked not to receive progress), reports are
// silently dropped.
func NewProgressReporter(manager *Manager, subject string, enabled bool) ProgressReporter {
	return &boundReporter{manager: manager, subject: subject, enabled: enabled}
}

func (r *boundReporter) Report(ctx context.Context, progress float64, total *float64, message string) error {
	if !r.enabled {
		return nil
	}
	return r.manager.SendProgress(ctx, r.subject, progress, total, message)
}
