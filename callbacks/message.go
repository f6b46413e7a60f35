package callbacks

import "encoding/json"

// Status classifies a callback message.
type Status string

const (
	// StatusAccepted is the immediate acknowledgment returned by a
	// callback-enabled call in place of its result.
	StatusAccepted Status = "accepted"

	// StatusProgress is a repeatable, unordered progress update. It
	// never resolves a result cell.
	StatusProgress Status = "progress"

	// StatusCompleted and StatusError are terminal: the first one
	// received resolves the callback.
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Message is the payload carried on a callback subject.
type Message struct {
	Status   Status          `json:"status"`
	Progress float64         `json:"progress,omitempty"`
	Total    *float64        `json:"total,omitempty"`
	Message  string          `json:"message,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether the message ends a callback's lifecycle.
func (m Message) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusError
}
