package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version emitted and required on every wire message.
const Version = "2.0"

// Reserved error codes.
const (
	// CodeParseError is returned when an inbound payload cannot be
	// decoded into a protocol message.
	CodeParseError = -32700

	// CodeRequestFailed is used for synthesized errors when a request
	// times out or the transport fails before a reply arrives.
	CodeRequestFailed = -32000
)

// Message is the tagged union of protocol messages. Exactly four types
// implement it: Request, Response, ErrorResponse, and Notification.
type Message interface {
	message()
}

// Request is a call expecting exactly one Response or ErrorResponse
// carrying the same ID.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a successful reply to a Request.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse is a failed reply to a Request.
type ErrorResponse struct {
	ID  json.RawMessage `json:"id"`
	Err RPCError        `json:"error"`
}

// Notification is a fire-and-forget message. It never carries an ID.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error object carried by an ErrorResponse.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (*Request) message()       {}
func (*Response) message()      {}
func (*ErrorResponse) message() {}
func (*Notification) message()  {}

// wireMessage is the superset shape used for encode/decode. Pointer
// fields distinguish absent from null.
type wireMessage struct {
	Version string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Err     *RPCError        `json:"error,omitempty"`
}

// Encode serializes a Message to its wire form.
func Encode(msg Message) ([]byte, error) {
	var w wireMessage
	w.Version = Version

	switch m := msg.(type) {
	case *Request:
		if !validID(m.ID) {
			return nil, fmt.Errorf("request %q: %w", m.Method, ErrMissingID)
		}
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		w.Params = m.Params
	case *Response:
		if !validID(m.ID) {
			return nil, fmt.Errorf("response: %w", ErrMissingID)
		}
		id := m.ID
		w.ID = &id
		w.Result = m.Result
	case *ErrorResponse:
		// Parse-error replies may carry a null id when the original
		// request id could not be recovered from the payload.
		id := m.ID
		if !validID(id) {
			id = json.RawMessage("null")
		}
		w.ID = &id
		e := m.Err
		w.Err = &e
	case *Notification:
		w.Method = m.Method
		w.Params = m.Params
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}

	return json.Marshal(w)
}

// Decode parses a wire payload into one of the four message types.
// Failures are reported as a *DecodeError carrying the raw payload.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, &DecodeError{Payload: data, Err: err}
	}

	if w.Version != Version {
		return nil, &DecodeError{
			Payload: data,
			Err:     fmt.Errorf("unsupported protocol version %q", w.Version),
		}
	}

	hasID := w.ID != nil && validID(*w.ID)

	switch {
	case w.Method != "" && hasID:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil

	case w.Method != "":
		if w.ID != nil {
			return nil, &DecodeError{Payload: data, Err: fmt.Errorf("notification carries null id")}
		}
		return &Notification{Method: w.Method, Params: w.Params}, nil

	case w.Err != nil:
		id := json.RawMessage("null")
		if hasID {
			id = *w.ID
		}
		return &ErrorResponse{ID: id, Err: *w.Err}, nil

	case hasID:
		return &Response{ID: *w.ID, Result: w.Result}, nil

	default:
		return nil, &DecodeError{Payload: data, Err: fmt.Errorf("message has neither method nor id")}
	}
}

// MessageID returns the correlation key for a message, or "" for
// notifications. IDs are compared by their exact JSON bytes so string
// and numeric ids round-trip without coercion.
func MessageID(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return string(m.ID)
	case *Response:
		return string(m.ID)
	case *ErrorResponse:
		return string(m.ID)
	default:
		return ""
	}
}

// NewRequestFailedError synthesizes the reserved "request failed" error
// reply for a request that timed out or could not be delivered.
func NewRequestFailedError(id json.RawMessage, cause error) *ErrorResponse {
	return &ErrorResponse{
		ID: id,
		Err: RPCError{
			Code:    CodeRequestFailed,
			Message: fmt.Sprintf("request failed: %v", cause),
		},
	}
}

// NewParseError synthesizes the reserved parse-error reply. The id is
// null when it could not be recovered from the malformed payload.
func NewParseError(cause error) *ErrorResponse {
	return &ErrorResponse{
		ID: json.RawMessage("null"),
		Err: RPCError{
			Code:    CodeParseError,
			Message: fmt.Sprintf("parse error: %v", cause),
		},
	}
}

func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
