package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectivity     = errors.New("messaging: broker unreachable")
	ErrHandlerMissing   = errors.New("messaging: no handler registered")
	ErrHandlerFailure   = errors.New("messaging: handler failed")
	ErrPublish          = errors.New("messaging: publish failed")
	ErrMissingBinding   = errors.New("messaging: handler declares no usable payload binding")
	ErrDuplicateBinding = errors.New("messaging: payload type already bound")
	ErrInvalidState     = errors.New("messaging: invalid state transition")
	ErrProducerClosed   = errors.New("messaging: producer is closed")
	ErrDeliveriesClosed = errors.New("messaging: delivery channel closed by broker")
)

// ConnectivityError reports a failure to reach or use the broker.
type ConnectivityError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectivityError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("messaging connectivity error: %s failed for queue %s: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("messaging connectivity error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectivity
}

// HandlerMissingError reports a payload type with no registered handler.
type HandlerMissingError struct {
	Type string
}

func (e *HandlerMissingError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.Type)
}

func (e *HandlerMissingError) Is(target error) bool {
	return target == ErrHandlerMissing
}

// HandlerFailureError reports a handler that returned an error or panicked.
type HandlerFailureError struct {
	Type  string
	Queue string
	Err   error
	Panic any
}

func (e *HandlerFailureError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler for %s on queue %s panicked: %v", e.Type, e.Queue, e.Panic)
	}
	return fmt.Sprintf("handler for %s on queue %s failed: %v", e.Type, e.Queue, e.Err)
}

func (e *HandlerFailureError) Unwrap() error {
	return e.Err
}

func (e *HandlerFailureError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Type       string    // Payload type tag
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging publish error: failed to publish %s to %q/%q: %v",
		e.Type, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func (e *PublishError) Is(target error) bool {
	return target == ErrPublish
}

// MissingBindingError reports a handler whose payload binding cannot be determined.
type MissingBindingError struct {
	Handler string
	Reason  string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("handler %s has no usable payload binding: %s", e.Handler, e.Reason)
}

func (e *MissingBindingError) Is(target error) bool {
	return target == ErrMissingBinding
}

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s consumer in state %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}
