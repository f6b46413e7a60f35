package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingID is returned when a request or response is encoded
	// without a usable id.
	ErrMissingID = errors.New("contracts: message requires a non-null id")
)

// DecodeError reports a payload that could not be parsed into a
// protocol message. It is delivered as a value on the bridge read
// channel rather than terminating the receive loop.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("contracts: failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
