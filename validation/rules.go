package validation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/glimte/burrow/contracts"
)

// Rule checks one aspect of a payload and returns nil when it holds.
type Rule[T any] func(ctx context.Context, payload T) *FieldError

// Rules is a validator built from field rules. Every rule runs and all
// failures are reported together.
type Rules[T any] struct {
	rules []Rule[T]
}

// NewRules creates a rule set for T
func NewRules[T any](rules ...Rule[T]) *Rules[T] {
	return &Rules[T]{rules: rules}
}

// Add appends rules and returns the receiver for chaining.
func (r *Rules[T]) Add(rules ...Rule[T]) *Rules[T] {
	r.rules = append(r.rules, rules...)
	return r
}

// Validate implements Validator.
func (r *Rules[T]) Validate(ctx context.Context, payload T) error {
	var failures []FieldError
	for _, rule := range r.rules {
		if fe := rule(ctx, payload); fe != nil {
			failures = append(failures, *fe)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &ValidationError{Type: contracts.TagOf[T]().String(), Fields: failures}
}

// Must fails with message when ok returns false.
func Must[T any](field, message string, ok func(T) bool) Rule[T] {
	return func(_ context.Context, payload T) *FieldError {
		if ok(payload) {
			return nil
		}
		return &FieldError{Field: field, Message: message, Code: "INVALID"}
	}
}

// NotEmpty requires a non-blank string.
func NotEmpty[T any](field string, get func(T) string) Rule[T] {
	return func(_ context.Context, payload T) *FieldError {
		if strings.TrimSpace(get(payload)) != "" {
			return nil
		}
		return &FieldError{Field: field, Message: "must not be empty", Code: "REQUIRED"}
	}
}

// MaxLength caps the rune length of a string.
func MaxLength[T any](field string, max int, get func(T) string) Rule[T] {
	return func(_ context.Context, payload T) *FieldError {
		value := get(payload)
		if utf8.RuneCountInString(value) <= max {
			return nil
		}
		return &FieldError{
			Field:   field,
			Message: fmt.Sprintf("length must be at most %d", max),
			Code:    "MAX_LENGTH",
			Value:   value,
		}
	}
}

// Matches requires a string to match pattern. It panics if pattern does not compile.
func Matches[T any](field, pattern string, get func(T) string) Rule[T] {
	re := regexp.MustCompile(pattern)
	return func(_ context.Context, payload T) *FieldError {
		value := get(payload)
		if re.MatchString(value) {
			return nil
		}
		return &FieldError{
			Field:   field,
			Message: fmt.Sprintf("does not match pattern %s", pattern),
			Code:    "PATTERN",
			Value:   value,
		}
	}
}

// Number is the set of numeric field types the range rules accept.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Positive requires a value strictly greater than zero.
func Positive[T any, N Number](field string, get func(T) N) Rule[T] {
	return func(_ context.Context, payload T) *FieldError {
		value := get(payload)
		if value > 0 {
			return nil
		}
		return &FieldError{Field: field, Message: "must be greater than 0", Code: "MINIMUM", Value: value}
	}
}

// Between requires min <= value <= max.
func Between[T any, N Number](field string, min, max N, get func(T) N) Rule[T] {
	return func(_ context.Context, payload T) *FieldError {
		value := get(payload)
		if value >= min && value <= max {
			return nil
		}
		return &FieldError{
			Field:   field,
			Message: fmt.Sprintf("must be between %v and %v", min, max),
			Code:    "RANGE",
			Value:   value,
		}
	}
}
