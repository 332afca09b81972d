// Package validation resolves and runs per-type payload validators.
//
// Validators are optional. A payload type without a registered validator is
// treated as valid unless the resolver is built with FailFast.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Validator checks a payload of type T. A nil error means valid.
type Validator[T any] interface {
	Validate(ctx context.Context, payload T) error
}

// ValidatorFunc is a function adapter for Validator
type ValidatorFunc[T any] func(ctx context.Context, payload T) error

func (f ValidatorFunc[T]) Validate(ctx context.Context, payload T) error {
	return f(ctx, payload)
}

type alwaysValid[T any] struct{}

func (alwaysValid[T]) Validate(context.Context, T) error { return nil }

// AlwaysValid returns a validator that accepts every payload.
func AlwaysValid[T any]() Validator[T] {
	return alwaysValid[T]{}
}

// IsAlwaysValid reports whether v is the AlwaysValid validator.
func IsAlwaysValid[T any](v Validator[T]) bool {
	_, ok := v.(alwaysValid[T])
	return ok
}

var (
	// ErrValidationRejected is matched by every ValidationError.
	ErrValidationRejected = errors.New("payload rejected by validator")

	// ErrMissingValidator is matched by every MissingValidatorError.
	ErrMissingValidator = errors.New("no validator registered")

	// ErrDuplicateValidator is returned when a type already has a validator.
	ErrDuplicateValidator = errors.New("validator already registered")
)

// FieldError describes one failed check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Value   any    `json:"value,omitempty"`
}

func (fe FieldError) String() string {
	if fe.Field == "" {
		return fe.Message
	}
	return fmt.Sprintf("%s: %s", fe.Field, fe.Message)
}

// ValidationError is returned when a payload fails validation. Either Fields
// or Err is set.
type ValidationError struct {
	Type   string
	Fields []FieldError
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "validation of %s failed", e.Type)
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationRejected
}

// MissingValidatorError is returned under FailFast when no validator exists for a type.
type MissingValidatorError struct {
	Type string
}

func (e *MissingValidatorError) Error() string {
	return fmt.Sprintf("no validator registered for %s", e.Type)
}

func (e *MissingValidatorError) Is(target error) bool {
	return target == ErrMissingValidator
}

// Run applies v to payload and normalizes any failure into a *ValidationError.
// A panicking validator counts as a rejection.
func Run[T any](ctx context.Context, v Validator[T], typeName string, payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ValidationError{Type: typeName, Err: fmt.Errorf("validator panicked: %v", r)}
		}
	}()

	if verr := v.Validate(ctx, payload); verr != nil {
		return reject(typeName, verr)
	}
	return nil
}

func reject(typeName string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		if ve.Type == "" {
			ve.Type = typeName
		}
		return ve
	}
	return &ValidationError{Type: typeName, Err: err}
}
