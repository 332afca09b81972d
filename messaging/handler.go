package messaging

import (
	"context"
	"reflect"

	"github.com/glimte/burrow/contracts"
)

// Handler processes payloads of type T. Returning true marks the delivery as
// consumed and it is acknowledged; false leaves it unacknowledged.
type Handler[T any] interface {
	Handle(ctx context.Context, payload T) (bool, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc[T any] func(ctx context.Context, payload T) (bool, error)

// Handle implements Handler
func (f HandlerFunc[T]) Handle(ctx context.Context, payload T) (bool, error) {
	return f(ctx, payload)
}

// Receiver is the view of a consumer a handler gets before it starts.
// Setters only take effect while the consumer is in state Created.
type Receiver interface {
	PayloadType() contracts.TypeTag
	QueueName() string
	SetQueueName(queue string) error
	SetPrefetchCount(count int) error
	SetConsumerTag(tag string) error
}

// ReceiverConfigurer is implemented by handlers that adjust their consumer,
// typically to choose the queue, before it connects.
type ReceiverConfigurer interface {
	ConfigureReceiver(r Receiver)
}

// Handles declares the payload type a handler binds to. Embed it in a handler
// struct so Registry.Scan can bind the handler without naming T again:
//
//	type OrderPlacedHandler struct {
//		messaging.Handles[OrderPlaced]
//	}
type Handles[T any] struct{}

type payloadDeclaration interface {
	declaredType() reflect.Type
	bind(r *Registry, handler any, opts ...BindingOption) error
}

func (Handles[T]) declaredType() reflect.Type {
	return contracts.TypeOf[T]()
}

func (Handles[T]) bind(r *Registry, handler any, opts ...BindingOption) error {
	h, ok := handler.(Handler[T])
	if !ok {
		return &MissingBindingError{
			Handler: handlerName(handler),
			Reason:  "declares " + contracts.TagOf[T]().String() + " but does not implement Handle(context.Context, " + contracts.TypeOf[T]().String() + ") (bool, error)",
		}
	}
	return Register[T](r, h, opts...)
}

var declarationType = reflect.TypeOf((*payloadDeclaration)(nil)).Elem()

// declarationOf finds the single Handles embedding of handler.
func declarationOf(handler any) (payloadDeclaration, error) {
	if handler == nil {
		return nil, &MissingBindingError{Handler: "<nil>", Reason: "handler is nil"}
	}

	t := reflect.TypeOf(handler)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, &MissingBindingError{Handler: handlerName(handler), Reason: "handler is not a struct embedding messaging.Handles"}
	}

	var found []payloadDeclaration
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.Anonymous || !field.Type.Implements(declarationType) {
			continue
		}
		ft := field.Type
		if ft.Kind() == reflect.Ptr {
			// *Handles[T] declares the same binding; the zero pointer cannot.
			ft = ft.Elem()
		}
		found = append(found, reflect.Zero(ft).Interface().(payloadDeclaration))
	}

	switch len(found) {
	case 0:
		return nil, &MissingBindingError{Handler: handlerName(handler), Reason: "no messaging.Handles declaration"}
	case 1:
		return found[0], nil
	default:
		return nil, &MissingBindingError{Handler: handlerName(handler), Reason: "more than one messaging.Handles declaration"}
	}
}

func handlerName(handler any) string {
	if handler == nil {
		return "<nil>"
	}
	return reflect.TypeOf(handler).String()
}
