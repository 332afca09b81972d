package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of an AMQP channel used by consumers and producers.
// *amqp.Channel satisfies it.
type Channel interface {
	// Qos bounds the number of unacknowledged deliveries
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Consume starts a consumer on queue and returns its delivery stream
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	// Cancel stops the named consumer
	Cancel(consumer string, noWait bool) error

	// PublishWithContext sends a message to an exchange
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	// Close closes the channel
	Close() error

	// IsClosed reports whether the channel is closed
	IsClosed() bool
}

// Session is a connection plus the single channel opened on it. A session is
// owned by exactly one consumer or producer.
type Session interface {
	// Channel returns the session channel
	Channel() Channel

	// Close closes the channel and then the connection
	Close() error

	// IsClosed reports whether the session can no longer be used
	IsClosed() bool
}

// Dialer opens sessions against a broker.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc is a function adapter for Dialer
type DialerFunc func(ctx context.Context) (Session, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}
