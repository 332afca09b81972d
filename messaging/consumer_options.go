package messaging

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/burrow/serialization"
	"github.com/glimte/burrow/validation"
)

// FailureDisposition decides what happens to a delivery whose processing failed.
type FailureDisposition int

const (
	// LeaveUnacked neither acks nor nacks; the broker redelivers once the
	// channel closes.
	LeaveUnacked FailureDisposition = iota
	// Requeue nacks the delivery with requeue.
	Requeue
	// Discard rejects the delivery without requeue, so dead-lettering applies.
	Discard
)

func (d FailureDisposition) String() string {
	switch d {
	case LeaveUnacked:
		return "leave-unacked"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("FailureDisposition(%d)", int(d))
	}
}

// ParseFailureDisposition parses the String form of a disposition.
func ParseFailureDisposition(s string) (FailureDisposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "leave-unacked":
		return LeaveUnacked, nil
	case "requeue":
		return Requeue, nil
	case "discard":
		return Discard, nil
	default:
		return 0, fmt.Errorf("unknown failure disposition %q", s)
	}
}

// HeaderDeliveryCount is set by quorum queues on redelivered messages.
const HeaderDeliveryCount = "x-delivery-count"

type consumerConfig struct {
	queue            string
	consumerTag      string
	prefetchCount    int
	disposition      FailureDisposition
	maxDeliveryCount int
	codec            serialization.Codec
	validators       *validation.Container
	strategy         validation.Strategy
	policy           validation.MissingValidatorPolicy
	middleware       []Middleware
	logger           *slog.Logger
	metrics          MetricsCollector
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*consumerConfig)

// WithConsumerQueue sets the queue to consume from
func WithConsumerQueue(queue string) ConsumerOption {
	return func(c *consumerConfig) {
		c.queue = queue
	}
}

// WithConsumerTag sets the consumer tag. A unique tag is generated when unset.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *consumerConfig) {
		c.consumerTag = tag
	}
}

// WithPrefetchCount sets the QoS prefetch count. Zero leaves the broker default.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *consumerConfig) {
		c.prefetchCount = count
	}
}

// WithFailureDisposition sets how failed deliveries are settled
func WithFailureDisposition(d FailureDisposition) ConsumerOption {
	return func(c *consumerConfig) {
		c.disposition = d
	}
}

// WithMaxDeliveryCount rejects a failed delivery without requeue once the
// broker reports it has been delivered n times. Zero disables the check.
func WithMaxDeliveryCount(n int) ConsumerOption {
	return func(c *consumerConfig) {
		c.maxDeliveryCount = n
	}
}

// WithConsumerCodec sets the payload codec
func WithConsumerCodec(codec serialization.Codec) ConsumerOption {
	return func(c *consumerConfig) {
		c.codec = codec
	}
}

// WithValidators sets where validators come from and how a missing one is treated.
func WithValidators(container *validation.Container, strategy validation.Strategy, policy validation.MissingValidatorPolicy) ConsumerOption {
	return func(c *consumerConfig) {
		c.validators = container
		c.strategy = strategy
		c.policy = policy
	}
}

// WithConsumerMiddleware adds handler middleware
func WithConsumerMiddleware(middleware ...Middleware) ConsumerOption {
	return func(c *consumerConfig) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *consumerConfig) {
		c.metrics = metrics
	}
}
