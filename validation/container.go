package validation

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/glimte/burrow/contracts"
)

type entry struct {
	validator any
	check     func(ctx context.Context, payload any) error
}

// Container holds at most one validator per payload type. It is safe for
// concurrent use and may be populated after consumers are built; resolvers
// using ResolveOnDelivery observe late registrations.
type Container struct {
	entries map[reflect.Type]entry
	mu      sync.RWMutex
}

// NewContainer creates an empty validator container
func NewContainer() *Container {
	return &Container{
		entries: make(map[reflect.Type]entry),
	}
}

// Register adds v as the validator for T.
func Register[T any](c *Container, v Validator[T]) error {
	if v == nil {
		return fmt.Errorf("validator for %s cannot be nil", contracts.TagOf[T]())
	}

	t := contracts.TypeOf[T]()
	tag := contracts.TagOf[T]()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, tag)
	}

	c.entries[t] = entry{
		validator: v,
		check: func(ctx context.Context, payload any) error {
			typed, ok := payload.(T)
			if !ok {
				return &ValidationError{Type: tag.String(), Err: fmt.Errorf("unexpected payload type %T", payload)}
			}
			return Run(ctx, v, tag.String(), typed)
		},
	}
	return nil
}

// RegisterFunc adds fn as the validator for T.
func RegisterFunc[T any](c *Container, fn func(ctx context.Context, payload T) error) error {
	return Register[T](c, ValidatorFunc[T](fn))
}

// Lookup returns the validator registered for T.
func Lookup[T any](c *Container) (Validator[T], bool) {
	c.mu.RLock()
	e, ok := c.entries[contracts.TypeOf[T]()]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	v, ok := e.validator.(Validator[T])
	return v, ok
}

// Has reports whether a validator is registered for t.
func (c *Container) Has(t reflect.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[t]
	return ok
}

// Check validates a payload of any registered type, matching on its dynamic
// type. A pointer payload falls back to the validator of its element type.
// found is false when no validator exists.
func (c *Container) Check(ctx context.Context, payload any) (found bool, err error) {
	if payload == nil {
		return false, nil
	}

	t := reflect.TypeOf(payload)

	c.mu.RLock()
	e, ok := c.entries[t]
	if !ok && t.Kind() == reflect.Ptr {
		if rv := reflect.ValueOf(payload); !rv.IsNil() {
			if e, ok = c.entries[t.Elem()]; ok {
				payload = rv.Elem().Interface()
			}
		}
	}
	c.mu.RUnlock()

	if !ok {
		return false, nil
	}
	return true, e.check(ctx, payload)
}

// Len returns the number of registered validators.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
