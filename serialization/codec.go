package serialization

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// ContentTypeJSON is the content type of the JSON envelope.
const ContentTypeJSON = "application/json"

// Codec converts payloads to and from their wire form.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into target, which must be a non-nil pointer.
	// The content of target is unspecified when an error is returned.
	Decode(data []byte, target any) error

	// ContentType returns the MIME type written on published messages.
	ContentType() string
}

// JSONOption configures a JSONCodec
type JSONOption func(*jsonOptions)

type jsonOptions struct {
	strict bool
}

// WithStrictFields rejects documents carrying fields the target type does not declare.
func WithStrictFields(strict bool) JSONOption {
	return func(o *jsonOptions) {
		o.strict = strict
	}
}

// JSONCodec is a UTF-8 JSON codec backed by sonic.
type JSONCodec struct {
	api    sonic.API
	strict bool
}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec(opts ...JSONOption) *JSONCodec {
	options := &jsonOptions{}
	for _, opt := range opts {
		opt(options)
	}

	api := sonic.ConfigStd
	if options.strict {
		api = sonic.Config{
			EscapeHTML:            true,
			SortMapKeys:           true,
			CompactMarshaler:      true,
			CopyString:            true,
			ValidateString:        true,
			DisallowUnknownFields: true,
		}.Froze()
	}

	return &JSONCodec{api: api, strict: options.strict}
}

// Encode implements Codec.
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := c.api.Marshal(v)
	if err != nil {
		return nil, &EncodeError{Type: typeName(v), Err: err}
	}
	return data, nil
}

// Decode implements Codec. An empty body, a JSON null or invalid UTF-8 is
// rejected rather than producing a zero or altered payload.
func (c *JSONCodec) Decode(data []byte, target any) error {
	name := typeName(target)

	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &DecodeError{Type: name, Reason: "target must be a non-nil pointer"}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &DecodeError{Type: name, Reason: "empty body"}
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return &DecodeError{Type: name, Reason: "body decodes to null"}
	}
	// sonic would silently substitute U+FFFD.
	if !utf8.Valid(trimmed) {
		return &DecodeError{Type: name, Reason: "body is not valid UTF-8"}
	}

	if err := c.api.Unmarshal(trimmed, target); err != nil {
		return &DecodeError{Type: name, Reason: "malformed or incompatible document", Err: err}
	}
	return nil
}

// ContentType implements Codec.
func (c *JSONCodec) ContentType() string {
	return ContentTypeJSON
}

// Strict reports whether unknown fields are rejected.
func (c *JSONCodec) Strict() bool {
	return c.strict
}

// DecodeAs decodes data into a fresh T. On failure the zero T is returned,
// never a partially populated value.
func DecodeAs[T any](c Codec, data []byte) (T, error) {
	var payload T
	if err := c.Decode(data, &payload); err != nil {
		var zero T
		return zero, err
	}
	return payload, nil
}

// ErrDecode is matched by every DecodeError.
var ErrDecode = errors.New("payload decode failed")

// ErrEncode is matched by every EncodeError.
var ErrEncode = errors.New("payload encode failed")

// DecodeError reports a body that could not be turned into the target type.
type DecodeError struct {
	Type   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Type, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Type, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// EncodeError reports a payload the codec could not serialize.
type EncodeError struct {
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Type, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

func (e *EncodeError) Is(target error) bool {
	return target == ErrEncode
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}
