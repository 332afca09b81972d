package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/glimte/burrow/contracts"
)

// Binding ties a payload type to its handler and queue.
type Binding struct {
	Type    reflect.Type
	Tag     contracts.TypeTag
	Queue   string
	Handler any

	newConsumer func(r *Registry, d Dialer, opts ...ConsumerOption) (Runner, error)
}

// NewConsumer builds the consumer for this binding. The binding queue is
// applied before opts, so WithConsumerQueue in opts wins.
func (b Binding) NewConsumer(r *Registry, d Dialer, opts ...ConsumerOption) (Runner, error) {
	return b.newConsumer(r, d, opts...)
}

// BindingOption configures a binding at registration
type BindingOption func(*bindingOptions)

type bindingOptions struct {
	queue string
}

// WithQueue sets the queue the handler consumes from. Defaults to handler.<tag>.
func WithQueue(queue string) BindingOption {
	return func(o *bindingOptions) {
		o.queue = queue
	}
}

// Registry holds at most one handler per payload type.
type Registry struct {
	bindings map[reflect.Type]*Binding
	order    []reflect.Type
	mu       sync.RWMutex
	logger   *slog.Logger
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty handler registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		bindings: make(map[reflect.Type]*Binding),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register binds h as the handler for T.
func Register[T any](r *Registry, h Handler[T], opts ...BindingOption) error {
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", contracts.TagOf[T]())
	}

	t := contracts.TypeOf[T]()
	tag := contracts.TagOf[T]()

	options := bindingOptions{queue: fmt.Sprintf("handler.%s", tag)}
	for _, opt := range opts {
		opt(&options)
	}
	if options.queue == "" {
		return fmt.Errorf("queue name for %s cannot be empty", tag)
	}

	binding := &Binding{
		Type:    t,
		Tag:     tag,
		Queue:   options.queue,
		Handler: h,
		newConsumer: func(r *Registry, d Dialer, opts ...ConsumerOption) (Runner, error) {
			all := append([]ConsumerOption{WithConsumerQueue(options.queue)}, opts...)
			return NewConsumer[T](d, r, all...)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.bindings[t]; exists {
		return fmt.Errorf("%w: %s is handled by %s", ErrDuplicateBinding, tag, handlerName(existing.Handler))
	}
	// Tags travel on the wire and name the default queue, so two Go types
	// with the same name must be told apart with contracts.Tagged.
	for _, other := range r.bindings {
		if other.Tag == tag {
			return fmt.Errorf("%w: tag %s of %s is already used by %s", ErrDuplicateBinding, tag, t, other.Type)
		}
	}

	r.bindings[t] = binding
	r.order = append(r.order, t)

	r.logger.Info("registered handler",
		"payloadType", tag,
		"handler", handlerName(h),
		"queue", options.queue,
	)

	return nil
}

// RegisterFunc binds fn as the handler for T.
func RegisterFunc[T any](r *Registry, fn func(ctx context.Context, payload T) (bool, error), opts ...BindingOption) error {
	return Register[T](r, HandlerFunc[T](fn), opts...)
}

// Scan registers each handler under the payload type declared by its
// embedded Handles. It stops at the first handler that cannot be bound.
func (r *Registry) Scan(handlers ...any) error {
	for _, h := range handlers {
		decl, err := declarationOf(h)
		if err != nil {
			return err
		}
		if err := decl.bind(r, h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler registered for T.
func Lookup[T any](r *Registry) (Handler[T], error) {
	r.mu.RLock()
	binding, ok := r.bindings[contracts.TypeOf[T]()]
	r.mu.RUnlock()

	if !ok {
		return nil, &HandlerMissingError{Type: contracts.TagOf[T]().String()}
	}

	h, ok := binding.Handler.(Handler[T])
	if !ok {
		return nil, &HandlerMissingError{Type: contracts.TagOf[T]().String()}
	}
	return h, nil
}

// Binding returns the binding for t.
func (r *Registry) Binding(t reflect.Type) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[t]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Bindings returns all bindings in registration order.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, *r.bindings[t])
	}
	return out
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.bindings)
}
