package validation

import (
	"fmt"
	"strings"

	"github.com/glimte/burrow/contracts"
)

// MissingValidatorPolicy decides what happens when a type has no validator.
type MissingValidatorPolicy int

const (
	// PolicyAlwaysValid substitutes a validator that accepts everything.
	PolicyAlwaysValid MissingValidatorPolicy = iota
	// PolicyFailFast reports a MissingValidatorError.
	PolicyFailFast
)

func (p MissingValidatorPolicy) String() string {
	switch p {
	case PolicyAlwaysValid:
		return "always-valid"
	case PolicyFailFast:
		return "fail-fast"
	default:
		return fmt.Sprintf("MissingValidatorPolicy(%d)", int(p))
	}
}

// ParsePolicy parses the String form of a policy.
func ParsePolicy(s string) (MissingValidatorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "always-valid":
		return PolicyAlwaysValid, nil
	case "fail-fast":
		return PolicyFailFast, nil
	default:
		return 0, fmt.Errorf("unknown missing validator policy %q", s)
	}
}

// Strategy decides when the validator is looked up.
type Strategy int

const (
	// ResolveOnDelivery looks the validator up on every call, so validators
	// registered after the consumer was built are picked up.
	ResolveOnDelivery Strategy = iota
	// ResolveOnce binds the validator when the resolver is built.
	ResolveOnce
)

func (s Strategy) String() string {
	switch s {
	case ResolveOnDelivery:
		return "on-delivery"
	case ResolveOnce:
		return "once"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses the String form of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "on-delivery":
		return ResolveOnDelivery, nil
	case "once":
		return ResolveOnce, nil
	default:
		return 0, fmt.Errorf("unknown validator resolution strategy %q", s)
	}
}

// Resolver yields the validator for T. Resolve never returns a nil validator
// together with a nil error.
type Resolver[T any] interface {
	Resolve() (Validator[T], error)
}

// NewResolver builds a resolver for T over c. Under PolicyFailFast a missing
// validator is reported here as well as on every later Resolve.
func NewResolver[T any](c *Container, strategy Strategy, policy MissingValidatorPolicy) (Resolver[T], error) {
	if c == nil {
		c = NewContainer()
	}

	switch strategy {
	case ResolveOnce:
		v, err := resolveFrom[T](c, policy)
		if err != nil {
			return nil, err
		}
		return boundResolver[T]{validator: v}, nil
	case ResolveOnDelivery:
		if _, err := resolveFrom[T](c, policy); err != nil {
			return nil, err
		}
		return &lateResolver[T]{container: c, policy: policy}, nil
	default:
		return nil, fmt.Errorf("unknown validator resolution strategy %v", strategy)
	}
}

// Static returns a resolver that always yields v.
func Static[T any](v Validator[T]) Resolver[T] {
	if v == nil {
		v = AlwaysValid[T]()
	}
	return boundResolver[T]{validator: v}
}

type boundResolver[T any] struct {
	validator Validator[T]
}

func (r boundResolver[T]) Resolve() (Validator[T], error) {
	return r.validator, nil
}

type lateResolver[T any] struct {
	container *Container
	policy    MissingValidatorPolicy
}

func (r *lateResolver[T]) Resolve() (Validator[T], error) {
	return resolveFrom[T](r.container, r.policy)
}

func resolveFrom[T any](c *Container, policy MissingValidatorPolicy) (Validator[T], error) {
	if v, ok := Lookup[T](c); ok {
		return v, nil
	}
	if policy == PolicyFailFast {
		return nil, &MissingValidatorError{Type: contracts.TagOf[T]().String()}
	}
	return AlwaysValid[T](), nil
}
