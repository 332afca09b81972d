package messaging

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/burrow/contracts"
)

const instrumentationName = "github.com/glimte/burrow/messaging"

// Delivery is a decoded and validated delivery on its way to the handler.
type Delivery struct {
	Message     amqp.Delivery
	Queue       string
	PayloadType contracts.TypeTag
	Payload     any

	handler any
}

// HandleFunc invokes the handler for a delivery.
type HandleFunc func(ctx context.Context, d *Delivery) (bool, error)

// Middleware wraps handler invocation.
type Middleware func(next HandleFunc) HandleFunc

// chain applies middleware so the first one given runs outermost.
func chain(final HandleFunc, middleware []Middleware) HandleFunc {
	h := final
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// Tracing starts a consumer span per handler invocation, continuing any trace
// context carried in the message headers.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(instrumentationName)

	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, d *Delivery) (bool, error) {
			ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Message.Headers))
			ctx, span := tracer.Start(ctx, "consume "+d.Queue,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.destination.name", d.Queue),
					attribute.String("messaging.message.id", d.Message.MessageId),
					attribute.String("messaging.message.conversation_id", d.Message.CorrelationId),
					attribute.String("burrow.payload_type", d.PayloadType.String()),
					attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.Message.DeliveryTag)),
				),
			)
			defer span.End()

			consumed, err := next(ctx, d)
			span.SetAttributes(attribute.Bool("burrow.consumed", consumed))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return consumed, err
		}
	}
}

// Logging logs every handler invocation at debug level with its duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, d *Delivery) (bool, error) {
			start := time.Now()
			consumed, err := next(ctx, d)
			logger.Debug("handler invoked",
				"queue", d.Queue,
				"payloadType", d.PayloadType,
				"messageId", d.Message.MessageId,
				"consumed", consumed,
				"duration", time.Since(start),
				"error", err,
			)
			return consumed, err
		}
	}
}

// Recover turns a panic raised below it into a HandlerFailureError so that
// middleware placed above it still observes the failure. The consumer recovers
// panics on its own as well.
func Recover() Middleware {
	return func(next HandleFunc) HandleFunc {
		return func(ctx context.Context, d *Delivery) (consumed bool, err error) {
			defer func() {
				if r := recover(); r != nil {
					consumed = false
					err = &HandlerFailureError{Type: d.PayloadType.String(), Queue: d.Queue, Panic: r}
				}
			}()
			return next(ctx, d)
		}
	}
}

// headerCarrier adapts AMQP headers to propagation.TextMapCarrier.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
