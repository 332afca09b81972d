package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/serialization"
	"github.com/glimte/burrow/validation"
)

// ConnectionMode decides how long a producer keeps its session.
type ConnectionMode int

const (
	// Persistent opens one session at construction and reuses it.
	Persistent ConnectionMode = iota
	// PerPublish opens and closes a session around every publish.
	PerPublish
)

func (m ConnectionMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case PerPublish:
		return "per-publish"
	default:
		return fmt.Sprintf("ConnectionMode(%d)", int(m))
	}
}

// ParseConnectionMode parses the String form of a mode.
func ParseConnectionMode(s string) (ConnectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "persistent":
		return Persistent, nil
	case "per-publish":
		return PerPublish, nil
	default:
		return 0, fmt.Errorf("unknown connection mode %q", s)
	}
}

// Producer validates, encodes and publishes payloads. It is safe for
// concurrent use; publishes on the shared session are serialized.
type Producer struct {
	dialer     Dialer
	mode       ConnectionMode
	codec      serialization.Codec
	validators *validation.Container
	policy     validation.MissingValidatorPolicy
	persistent bool
	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer

	mu      sync.Mutex
	session Session
	closed  bool
}

// ProducerOption configures the Producer
type ProducerOption func(*Producer)

// WithConnectionMode sets the session lifetime
func WithConnectionMode(mode ConnectionMode) ProducerOption {
	return func(p *Producer) {
		p.mode = mode
	}
}

// WithProducerCodec sets the payload codec
func WithProducerCodec(codec serialization.Codec) ProducerOption {
	return func(p *Producer) {
		p.codec = codec
	}
}

// WithProducerValidators validates outgoing payloads against container.
func WithProducerValidators(container *validation.Container, policy validation.MissingValidatorPolicy) ProducerOption {
	return func(p *Producer) {
		p.validators = container
		p.policy = policy
	}
}

// WithPersistentDelivery sets the default delivery mode
func WithPersistentDelivery(persistent bool) ProducerOption {
	return func(p *Producer) {
		p.persistent = persistent
	}
}

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// WithProducerMetrics sets the metrics collector
func WithProducerMetrics(metrics MetricsCollector) ProducerOption {
	return func(p *Producer) {
		p.metrics = metrics
	}
}

// WithTracerProvider sets the tracer provider for publish spans
func WithTracerProvider(tp trace.TracerProvider) ProducerOption {
	return func(p *Producer) {
		if tp != nil {
			p.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// NewProducer creates a producer. In Persistent mode the session is opened
// here and a failure is returned as a *ConnectivityError.
func NewProducer(ctx context.Context, d Dialer, opts ...ProducerOption) (*Producer, error) {
	if d == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}

	p := &Producer{
		dialer:     d,
		mode:       Persistent,
		codec:      serialization.NewJSONCodec(),
		persistent: true,
		logger:     slog.Default(),
		metrics:    NoOpMetricsCollector{},
		tracer:     otel.Tracer(instrumentationName),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.validators == nil {
		p.validators = validation.NewContainer()
	}

	if p.mode == Persistent {
		session, err := p.dial(ctx)
		if err != nil {
			return nil, err
		}
		p.session = session
	}

	p.logger.Info("producer ready", "mode", p.mode)
	return p, nil
}

// Mode returns the connection mode
func (p *Producer) Mode() ConnectionMode {
	return p.mode
}

// IsOpen reports whether the producer can publish. A PerPublish producer is
// open until closed.
func (p *Producer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if p.mode == Persistent {
		return p.session != nil && !p.session.IsClosed()
	}
	return true
}

// Publish is the typed form of Producer.Publish.
func Publish[T any](ctx context.Context, p *Producer, payload T, routingKey, exchange string, opts ...PublishOption) error {
	return p.Publish(ctx, payload, routingKey, exchange, opts...)
}

// Publish validates payload, encodes it and sends it to exchange with
// routingKey. A validation failure returns a *validation.ValidationError and
// nothing is sent. Delivery is not confirmed by the broker.
func (p *Producer) Publish(ctx context.Context, payload any, routingKey, exchange string, opts ...PublishOption) error {
	start := time.Now()
	tag := contracts.TagFor(payload)

	ctx, span := p.tracer.Start(ctx, "publish "+exchange,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("burrow.payload_type", tag.String()),
		),
	)
	defer span.End()

	err := p.publish(ctx, payload, tag, routingKey, exchange, opts)
	p.metrics.RecordPublish(exchange, tag.String(), time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("failed to publish",
			"payloadType", tag,
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err,
		)
		return err
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, payload any, tag contracts.TypeTag, routingKey, exchange string, opts []PublishOption) error {
	if payload == nil {
		return fmt.Errorf("payload cannot be nil")
	}

	found, err := p.validators.Check(ctx, payload)
	if err != nil {
		return err
	}
	if !found && p.policy == validation.PolicyFailFast {
		return &validation.MissingValidatorError{Type: tag.String()}
	}

	body, err := p.codec.Encode(payload)
	if err != nil {
		return err
	}

	options := &PublishOptions{}
	for _, opt := range opts {
		opt(options)
	}

	msg := p.buildPublishing(ctx, body, tag, contracts.KindOf(payload), options)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Type: tag.String(), Err: ErrProducerClosed, Timestamp: time.Now()}
	}

	session := p.session
	if p.mode == PerPublish {
		session, err = p.dial(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := session.Close(); closeErr != nil {
				p.logger.Warn("failed to close per-publish session", "error", closeErr)
			}
		}()
	}
	if session == nil || session.IsClosed() {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Type: tag.String(), Err: amqp.ErrClosed, Timestamp: time.Now()}
	}

	if err := session.Channel().PublishWithContext(ctx, exchange, routingKey, options.Mandatory, false, msg); err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Type: tag.String(), Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("published",
		"payloadType", tag,
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
	)
	return nil
}

func (p *Producer) buildPublishing(ctx context.Context, body []byte, tag contracts.TypeTag, kind contracts.Kind, options *PublishOptions) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range options.Headers {
		headers[k] = v
	}
	headers[contracts.HeaderKind] = string(kind)
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	messageID := options.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	deliveryMode := options.DeliveryMode
	if deliveryMode == 0 {
		deliveryMode = amqp.Transient
		if p.persistent {
			deliveryMode = amqp.Persistent
		}
	}

	return amqp.Publishing{
		Headers:         headers,
		ContentType:     p.codec.ContentType(),
		ContentEncoding: "utf-8",
		DeliveryMode:    deliveryMode,
		Priority:        options.Priority,
		CorrelationId:   options.CorrelationID,
		ReplyTo:         options.ReplyTo,
		Expiration:      expiration(options.TTL),
		MessageId:       messageID,
		Timestamp:       time.Now().UTC(),
		Type:            tag.String(),
		Body:            body,
	}
}

func (p *Producer) dial(ctx context.Context) (Session, error) {
	session, err := p.dialer.Dial(ctx)
	if err != nil {
		var connErr *ConnectivityError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectivityError{Op: "connect producer", Err: err, Timestamp: time.Now()}
	}
	return session, nil
}

// Close closes the session. Further publishes fail with ErrProducerClosed.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.session != nil && !p.session.IsClosed() {
		if err := p.session.Close(); err != nil {
			return fmt.Errorf("close producer session: %w", err)
		}
	}
	p.logger.Info("producer closed")
	return nil
}
