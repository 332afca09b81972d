package contracts

import (
	"reflect"
)

// TypeTag names a payload type on the wire.
type TypeTag string

func (t TypeTag) String() string {
	return string(t)
}

// Tagged lets a payload type choose its own tag instead of the Go type name.
type Tagged interface {
	PayloadType() string
}

// Kind distinguishes the two payload families. Both flow through the same
// pipeline; the kind only travels as a header for observability.
type Kind string

const (
	KindEvent   Kind = "event"
	KindMessage Kind = "message"
)

// Kinded is implemented by payloads that declare their family.
type Kinded interface {
	PayloadKind() Kind
}

// HeaderKind is the AMQP header carrying the payload Kind.
const HeaderKind = "x-payload-kind"

// TypeOf returns the reflect.Type used as the registry key for T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TagOf returns the tag for T. PayloadType is called on a zero value, so it
// must not depend on field contents.
func TagOf[T any]() TypeTag {
	return TagForType(TypeOf[T]())
}

// TagFor returns the tag for the dynamic type of payload.
func TagFor(payload any) TypeTag {
	if payload == nil {
		return ""
	}
	return TagForType(reflect.TypeOf(payload))
}

// TagForType returns the tag for t. Pointer types share the tag of their
// element type.
func TagForType(t reflect.Type) TypeTag {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if tagged, ok := reflect.New(t).Interface().(Tagged); ok {
		return TypeTag(tagged.PayloadType())
	}
	if name := t.Name(); name != "" {
		return TypeTag(name)
	}
	return TypeTag(t.String())
}

// KindOf returns the declared Kind of payload, defaulting to KindMessage.
func KindOf(payload any) Kind {
	if k, ok := payload.(Kinded); ok && !isNilPointer(payload) {
		return k.PayloadKind()
	}
	return KindMessage
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}
