package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Connect opens a connection and one channel on it. The dial is bounded by
// the endpoint dial timeout and by ctx.
func Connect(ctx context.Context, endpoint Endpoint, logger *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := endpoint.Validate(); err != nil {
		return nil, nil, &ConnectionError{
			Op:        "connect",
			URL:       endpoint.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, endpoint.dialTimeout())
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(endpoint.URI(), endpoint.config())
		results <- dialResult{conn: conn, err: err}
	}()

	var conn *amqp.Connection
	select {
	case res := <-results:
		if res.err != nil {
			return nil, nil, &ConnectionError{
				Op:        "connect",
				URL:       endpoint.String(),
				Err:       res.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}
		conn = res.conn

	case <-connCtx.Done():
		// The dial may still succeed after we gave up on it.
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ErrOperationCancelled
		}
		return nil, nil, &ConnectionError{
			Op:        "connect",
			URL:       endpoint.String(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, &ChannelError{
			Op:        "open",
			ChannelID: endpoint.ConnectionName,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	logger.Info("connected to RabbitMQ",
		"url", endpoint.String(),
		"connectionName", endpoint.ConnectionName,
	)

	return conn, ch, nil
}

// CloseAll closes ch and then conn, ignoring resources already closed.
func CloseAll(conn *amqp.Connection, ch *amqp.Channel) error {
	var firstErr error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && err != amqp.ErrClosed {
			firstErr = &ChannelError{Op: "close", Err: err, Timestamp: time.Now()}
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && err != amqp.ErrClosed && firstErr == nil {
			firstErr = &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()}
		}
	}
	return firstErr
}
