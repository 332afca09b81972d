package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/burrow/contracts"
)

// TypeRegistry maps type tags to payload types so a body can be decoded
// when only its tag is known.
type TypeRegistry struct {
	types map[contracts.TypeTag]reflect.Type
	tags  map[reflect.Type]contracts.TypeTag
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[contracts.TypeTag]reflect.Type),
		tags:  make(map[reflect.Type]contracts.TypeTag),
	}
}

// RegisterType registers T under its tag.
func RegisterType[T any](r *TypeRegistry) error {
	return r.Register(contracts.TypeOf[T]())
}

// Register registers t under its tag. Registering the same type twice is a
// no-op; registering a different type under a taken tag fails.
func (r *TypeRegistry) Register(t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("payload type cannot be nil")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	tag := contracts.TagForType(t)
	if tag == "" {
		return fmt.Errorf("cannot determine type tag for %v", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[tag]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type tag %s already registered to %v", tag, existing)
	}

	r.types[tag] = t
	r.tags[t] = tag
	return nil
}

// Get retrieves the type registered under tag
func (r *TypeRegistry) Get(tag contracts.TypeTag) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[tag]
	if !exists {
		return nil, fmt.Errorf("type tag %s not registered", tag)
	}
	return t, nil
}

// Decode decodes data into a new value of the type registered under tag and
// returns it as a non-pointer value.
func (r *TypeRegistry) Decode(c Codec, tag contracts.TypeTag, data []byte) (any, error) {
	t, err := r.Get(tag)
	if err != nil {
		return nil, err
	}

	target := reflect.New(t)
	if err := c.Decode(data, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

// IsRegistered checks if a tag is registered
func (r *TypeRegistry) IsRegistered(tag contracts.TypeTag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[tag]
	return exists
}

// Tags returns all registered tags in sorted order.
func (r *TypeRegistry) Tags() []contracts.TypeTag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]contracts.TypeTag, 0, len(r.types))
	for tag := range r.types {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}
