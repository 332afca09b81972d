package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/burrow/internal/rabbitmq"
	"github.com/glimte/burrow/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Endpoint holds the broker connection parameters.
type Endpoint = rabbitmq.Endpoint

// DefaultEndpoint returns the parameters of a local broker with the guest account.
func DefaultEndpoint() Endpoint {
	return rabbitmq.DefaultEndpoint()
}

// Dialer opens one AMQP connection and one channel per Dial call.
type Dialer struct {
	endpoint Endpoint
	logger   *slog.Logger
	connect  func(context.Context, Endpoint, *slog.Logger) (*amqp.Connection, *amqp.Channel, error)
}

// DialerOption configures a Dialer
type DialerOption func(*Dialer)

// WithLogger sets the dialer logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConnectionName names the connections in the broker management UI.
func WithConnectionName(name string) DialerOption {
	return func(d *Dialer) {
		d.endpoint.ConnectionName = name
	}
}

// WithDialTimeout bounds each dial
func WithDialTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.endpoint.DialTimeout = timeout
	}
}

// NewDialer creates a dialer bound to endpoint. The endpoint is validated
// here so misconfiguration surfaces before the first dial.
func NewDialer(endpoint Endpoint, opts ...DialerOption) (*Dialer, error) {
	d := &Dialer{
		endpoint: endpoint,
		logger:   slog.Default(),
		connect:  rabbitmq.Connect,
	}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.endpoint.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Endpoint returns the endpoint the dialer connects to
func (d *Dialer) Endpoint() Endpoint {
	return d.endpoint
}

// Dial implements messaging.Dialer
func (d *Dialer) Dial(ctx context.Context) (messaging.Session, error) {
	conn, ch, err := d.connect(ctx, d.endpoint, d.logger)
	if err != nil {
		return nil, &messaging.ConnectivityError{
			Op:        "dial",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return newSession(conn, ch, d.logger), nil
}

type session struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newSession(conn *amqp.Connection, ch *amqp.Channel, logger *slog.Logger) *session {
	return &session{conn: conn, ch: ch, logger: logger}
}

func (s *session) Channel() messaging.Channel {
	return s.ch
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := rabbitmq.CloseAll(s.conn, s.ch)
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		s.logger.Warn("failed to close session cleanly", "error", err)
		return err
	}
	return nil
}

func (s *session) IsClosed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return true
	}
	if s.ch == nil || s.ch.IsClosed() {
		return true
	}
	return s.conn == nil || s.conn.IsClosed()
}
