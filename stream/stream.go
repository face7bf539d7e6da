// Package stream defines the ordered event protocol of a request: zero or
// more status events, zero or more token events, and exactly one terminal
// done or error event. The Emitter enforces the single-terminal guarantee
// and tolerates consumers that stop reading mid-stream.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event type tags as they appear on the wire.
const (
	TypeStatus = "status"
	TypeToken  = "token"
	TypeDone   = "done"
	TypeError  = "error"
)

// Event is one element of the per-request event stream. The set of
// implementations is closed: StatusEvent, TokenEvent, DoneEvent and
// ErrorEvent.
type Event interface {
	// Type returns the wire tag of the event.
	Type() string
	// Terminal reports whether the event ends the stream.
	Terminal() bool
}

// StatusEvent is a human-readable phase notification ("Searching iFixit
// for device..."). Clients display it as progress, never as answer text.
type StatusEvent struct {
	Message string `json:"message"`
}

func (StatusEvent) Type() string   { return TypeStatus }
func (StatusEvent) Terminal() bool { return false }

// TokenEvent is an incremental fragment of the answer. The concatenation
// of all token events of a successful request equals the persisted
// assistant message, byte for byte.
type TokenEvent struct {
	Content string `json:"content"`
}

func (TokenEvent) Type() string   { return TypeToken }
func (TokenEvent) Terminal() bool { return false }

// DoneEvent terminates a successful stream and carries the thread id the
// client must echo on follow-up requests. Warning is set when the answer
// was delivered but a best-effort side effect (such as persisting it)
// failed.
type DoneEvent struct {
	ThreadID string `json:"thread_id"`
	Warning  string `json:"warning,omitempty"`
}

func (DoneEvent) Type() string   { return TypeDone }
func (DoneEvent) Terminal() bool { return true }

// ErrorEvent terminates a failed stream. Code is one of the core error
// codes; Message is safe to show to the end user.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorEvent) Type() string   { return TypeError }
func (ErrorEvent) Terminal() bool { return true }

// envelope is the type-tagged wire form of an event.
type envelope struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Content  string `json:"content,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Warning  string `json:"warning,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Encode renders an event as its type-tagged JSON object.
func Encode(ev Event) ([]byte, error) {
	var env envelope
	switch e := ev.(type) {
	case StatusEvent:
		env = envelope{Type: TypeStatus, Message: e.Message}
	case TokenEvent:
		env = envelope{Type: TypeToken, Content: e.Content}
	case DoneEvent:
		env = envelope{Type: TypeDone, ThreadID: e.ThreadID, Warning: e.Warning}
	case ErrorEvent:
		env = envelope{Type: TypeError, Code: e.Code, Message: e.Message}
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
	return json.Marshal(env)
}

// EncodeSSE renders an event as one server-sent-events frame.
func EncodeSSE(ev Event) ([]byte, error) {
	payload, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return []byte("data: " + string(payload) + "\n\n"), nil
}

// Decode parses a type-tagged JSON object back into its event.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	switch env.Type {
	case TypeStatus:
		return StatusEvent{Message: env.Message}, nil
	case TypeToken:
		return TokenEvent{Content: env.Content}, nil
	case TypeDone:
		return DoneEvent{ThreadID: env.ThreadID, Warning: env.Warning}, nil
	case TypeError:
		return ErrorEvent{Code: env.Code, Message: env.Message}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// Disconnect signals that the consumer is gone for good. Once it
	// fires, sends drop instead of blocking so orchestration and
	// persistence can run to completion without a reader.
	Disconnect <-chan struct{}
}

// Emitter delivers the event stream for one request. A send blocks until
// the consumer drains buffer space, so a slow but connected reader loses
// nothing; only after the Disconnect signal fires are events dropped.
// After the first terminal event every further send is discarded.
//
// The emitter expects a single producing goroutine: Send and Close must
// not be called concurrently with each other.
type Emitter struct {
	ch         chan Event
	disconnect <-chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewEmitter creates an emitter with the given channel capacity.
func NewEmitter(buffer int, optFns ...func(o *EmitterOptions)) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	opts := EmitterOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Emitter{ch: make(chan Event, buffer), disconnect: opts.Disconnect}
}

// Events returns the receive side of the stream. The channel is closed
// after the terminal event.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Send delivers a non-terminal event. It reports whether the event was
// accepted; a disconnected consumer or an already terminated stream
// drops it.
func (e *Emitter) Send(ev Event) bool {
	if ev.Terminal() {
		return e.Close(ev)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	select {
	case e.ch <- ev:
		return true
	case <-e.disconnect:
		return false
	}
}

// Close delivers the terminal event and closes the stream. Only the
// first terminal event wins. The event is dropped only when the
// consumer has disconnected; the stream channel is closed either way.
func (e *Emitter) Close(ev Event) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.ch <- ev:
	case <-e.disconnect:
	}
	close(e.ch)
	return true
}
