package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/serialization"
	"github.com/glimte/burrow/validation"
)

// State is a consumer lifecycle state.
type State int

const (
	StateCreated State = iota
	StateConnected
	StateRegistered
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Runner is the type-erased lifecycle of a Consumer.
type Runner interface {
	Receiver

	Connect(ctx context.Context) error
	Register(ctx context.Context) error
	Start(ctx context.Context) error
	Run(ctx context.Context) error
	Stop() error
	Wait(ctx context.Context) error
	State() State
	Done() <-chan struct{}
	Err() error
}

// Consumer binds one queue to the handler registered for T. Deliveries are
// processed one at a time in arrival order.
//
// Lifecycle: Created -> Connected -> Registered -> Running -> Draining -> Closed.
// Stop does not wait for an in-flight handler call, and a handler that never
// returns blocks the queue for this consumer.
type Consumer[T any] struct {
	dialer   Dialer
	registry *Registry
	resolver validation.Resolver[T]
	tag      contracts.TypeTag
	config   consumerConfig
	invoke   HandleFunc

	mu          sync.Mutex
	state       State
	session     Session
	deliveries  <-chan amqp.Delivery
	cancel      context.CancelFunc
	loopStarted bool
	done        chan struct{}
	err         error
}

var _ Runner = (*Consumer[struct{}])(nil)

// NewConsumer creates a consumer for T. The handler must already be
// registered in r; it is looked up again for every delivery. The queue
// defaults to the one given at registration.
func NewConsumer[T any](d Dialer, r *Registry, opts ...ConsumerOption) (*Consumer[T], error) {
	if d == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	if r == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	tag := contracts.TagOf[T]()
	queue := fmt.Sprintf("handler.%s", tag)
	if b, ok := r.Binding(contracts.TypeOf[T]()); ok {
		queue = b.Queue
	}
	config := consumerConfig{
		queue:    queue,
		codec:    serialization.NewJSONCodec(),
		strategy: validation.ResolveOnDelivery,
		policy:   validation.PolicyAlwaysValid,
		logger:   r.logger,
		metrics:  NoOpMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.validators == nil {
		config.validators = validation.NewContainer()
	}
	if config.queue == "" {
		return nil, fmt.Errorf("queue name for %s cannot be empty", tag)
	}

	if _, err := Lookup[T](r); err != nil {
		return nil, err
	}

	resolver, err := validation.NewResolver[T](config.validators, config.strategy, config.policy)
	if err != nil {
		return nil, err
	}

	c := &Consumer[T]{
		dialer:   d,
		registry: r,
		resolver: resolver,
		tag:      tag,
		config:   config,
		state:    StateCreated,
		done:     make(chan struct{}),
	}
	c.invoke = chain(c.dispatch, config.middleware)

	return c, nil
}

// PayloadType implements Receiver
func (c *Consumer[T]) PayloadType() contracts.TypeTag {
	return c.tag
}

// QueueName implements Receiver
func (c *Consumer[T]) QueueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.queue
}

// SetQueueName implements Receiver
func (c *Consumer[T]) SetQueueName(queue string) error {
	if queue == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	return c.configure("set queue name", func() { c.config.queue = queue })
}

// SetPrefetchCount implements Receiver
func (c *Consumer[T]) SetPrefetchCount(count int) error {
	if count < 0 {
		return fmt.Errorf("prefetch count cannot be negative")
	}
	return c.configure("set prefetch count", func() { c.config.prefetchCount = count })
}

// SetConsumerTag implements Receiver
func (c *Consumer[T]) SetConsumerTag(tag string) error {
	return c.configure("set consumer tag", func() { c.config.consumerTag = tag })
}

func (c *Consumer[T]) configure(op string, apply func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return &StateError{Op: op, State: c.state}
	}
	apply()
	return nil
}

// State returns the current lifecycle state
func (c *Consumer[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConsumerTag returns the tag used with the broker. It is empty until Register
// when none was configured.
func (c *Consumer[T]) ConsumerTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config.consumerTag
}

// Done is closed once the consumer has fully stopped.
func (c *Consumer[T]) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the consumer stopped on its own, if any.
func (c *Consumer[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect opens the session. A failure leaves the consumer in state Created.
func (c *Consumer[T]) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return &StateError{Op: "connect", State: c.state}
	}

	session, err := c.dialer.Dial(ctx)
	if err != nil {
		c.config.logger.Error("failed to connect consumer",
			"queue", c.config.queue,
			"payloadType", c.tag,
			"error", err,
		)
		var connErr *ConnectivityError
		if errors.As(err, &connErr) {
			return err
		}
		return &ConnectivityError{Op: "connect", Queue: c.config.queue, Err: err, Timestamp: time.Now()}
	}

	c.session = session
	c.setState(StateConnected)
	return nil
}

// Register declares the consumer on its queue. Deliveries are buffered by
// the broker client until Start. A failure closes the consumer.
func (c *Consumer[T]) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return &StateError{Op: "register", State: c.state}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.config.consumerTag == "" {
		c.config.consumerTag = fmt.Sprintf("burrow-%s-%s", c.config.queue, uuid.NewString())
	}

	ch := c.session.Channel()
	if c.config.prefetchCount > 0 {
		if err := ch.Qos(c.config.prefetchCount, 0, false); err != nil {
			return c.failRegister("qos", err)
		}
	}

	deliveries, err := ch.Consume(
		c.config.queue,
		c.config.consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return c.failRegister("consume", err)
	}

	c.deliveries = deliveries
	c.setState(StateRegistered)

	c.config.logger.Info("consumer registered",
		"queue", c.config.queue,
		"payloadType", c.tag,
		"consumerTag", c.config.consumerTag,
		"prefetchCount", c.config.prefetchCount,
	)
	return nil
}

// failRegister must be called with c.mu held.
func (c *Consumer[T]) failRegister(op string, err error) error {
	c.config.logger.Error("failed to register consumer",
		"queue", c.config.queue,
		"op", op,
		"error", err,
	)
	if closeErr := c.session.Close(); closeErr != nil {
		c.config.logger.Warn("failed to close session", "queue", c.config.queue, "error", closeErr)
	}
	c.setState(StateClosed)
	close(c.done)
	return &ConnectivityError{Op: op, Queue: c.config.queue, Err: err, Timestamp: time.Now()}
}

// Start begins processing deliveries on a background goroutine. Cancelling
// ctx stops the consumer.
func (c *Consumer[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRegistered {
		return &StateError{Op: "start", State: c.state}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loopStarted = true
	c.setState(StateRunning)

	go c.processDeliveries(loopCtx, c.deliveries)

	return nil
}

// Run connects, registers and starts the consumer, then blocks until it stops.
// It returns nil when stopped through ctx or Stop.
func (c *Consumer[T]) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if err := c.Register(ctx); err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	<-c.done
	return c.Err()
}

// Stop cancels the consumer on the broker and closes its session. It does not
// wait for an in-flight handler call; use Wait for that. Stop is idempotent.
func (c *Consumer[T]) Stop() error {
	return c.shutdown("stop requested", nil)
}

// Wait blocks until the consumer has stopped or ctx is done.
func (c *Consumer[T]) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer[T]) shutdown(reason string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining || c.state == StateClosed {
		return nil
	}

	prev := c.state
	if prev == StateRunning {
		c.setState(StateDraining)
	}
	if c.cancel != nil {
		c.cancel()
	}

	var errs []error
	if c.session != nil {
		ch := c.session.Channel()
		if (prev == StateRegistered || prev == StateRunning) && !ch.IsClosed() {
			if err := ch.Cancel(c.config.consumerTag, false); err != nil {
				errs = append(errs, fmt.Errorf("cancel consumer %s: %w", c.config.consumerTag, err))
			}
		}
		if !c.session.IsClosed() {
			if err := c.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session: %w", err))
			}
		}
	}

	if cause != nil {
		c.err = &ConnectivityError{Op: "consume", Queue: c.config.queue, Err: cause, Timestamp: time.Now()}
	}

	c.setState(StateClosed)
	if !c.loopStarted {
		close(c.done)
	}

	if cause != nil {
		c.config.logger.Error("consumer stopped", "queue", c.config.queue, "reason", reason, "error", cause)
	} else {
		c.config.logger.Info("consumer stopped", "queue", c.config.queue, "reason", reason)
	}

	return errors.Join(errs...)
}

// setState must be called with c.mu held.
func (c *Consumer[T]) setState(s State) {
	c.state = s
	c.config.metrics.RecordConsumerState(c.config.queue, s)
}

func (c *Consumer[T]) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			_ = c.shutdown("context cancelled", nil)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					_ = c.shutdown("delivery channel closed", ErrDeliveriesClosed)
				}
				return
			}

			// Stop may have been requested while this delivery was queued.
			if ctx.Err() != nil {
				_ = c.shutdown("context cancelled", nil)
				return
			}

			c.processDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer[T]) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()
	queue := c.config.queue

	outcome, err := c.handleDelivery(context.WithoutCancel(ctx), delivery)

	switch {
	case outcome == OutcomeAcked:
		c.config.logger.Debug("delivery acknowledged",
			"queue", queue,
			"payloadType", c.tag,
			"deliveryTag", delivery.DeliveryTag,
			"messageId", delivery.MessageId,
		)
	case outcome == OutcomeNotConsumed:
		c.config.logger.Warn("handler did not consume delivery, leaving it unacknowledged",
			"queue", queue,
			"payloadType", c.tag,
			"deliveryTag", delivery.DeliveryTag,
			"messageId", delivery.MessageId,
		)
	case outcome == OutcomeAckFailed:
		c.config.logger.Error("failed to acknowledge delivery",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
	default:
		c.config.logger.Error("failed to process delivery",
			"queue", queue,
			"payloadType", c.tag,
			"outcome", outcome,
			"deliveryTag", delivery.DeliveryTag,
			"messageId", delivery.MessageId,
			"error", err,
		)
		c.settleFailure(delivery)
	}

	c.config.metrics.RecordDelivery(queue, c.tag.String(), outcome, time.Since(start))
}

// handleDelivery runs decode, validate, dispatch and acknowledge for one delivery.
func (c *Consumer[T]) handleDelivery(ctx context.Context, delivery amqp.Delivery) (Outcome, error) {
	payload, err := serialization.DecodeAs[T](c.config.codec, delivery.Body)
	if err != nil {
		return OutcomeDecodeFailed, err
	}

	validator, err := c.resolver.Resolve()
	if err != nil {
		return OutcomeRejected, err
	}
	if err := validation.Run(ctx, validator, c.tag.String(), payload); err != nil {
		return OutcomeRejected, err
	}

	handler, err := Lookup[T](c.registry)
	if err != nil {
		return OutcomeHandlerMissing, err
	}

	d := &Delivery{
		Message:     delivery,
		Queue:       c.config.queue,
		PayloadType: c.tag,
		Payload:     payload,
		handler:     handler,
	}

	consumed, err := c.safeInvoke(ctx, d)
	if err != nil {
		return OutcomeHandlerFailed, err
	}
	if !consumed {
		return OutcomeNotConsumed, nil
	}

	if err := delivery.Ack(false); err != nil {
		return OutcomeAckFailed, &ConnectivityError{Op: "ack", Queue: c.config.queue, Err: err, Timestamp: time.Now()}
	}
	return OutcomeAcked, nil
}

func (c *Consumer[T]) safeInvoke(ctx context.Context, d *Delivery) (consumed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			consumed = false
			err = &HandlerFailureError{Type: c.tag.String(), Queue: d.Queue, Panic: r}
		}
	}()

	consumed, err = c.invoke(ctx, d)
	if err != nil {
		var hf *HandlerFailureError
		if !errors.As(err, &hf) {
			err = &HandlerFailureError{Type: c.tag.String(), Queue: d.Queue, Err: err}
		}
		return false, err
	}
	return consumed, nil
}

func (c *Consumer[T]) dispatch(ctx context.Context, d *Delivery) (bool, error) {
	handler, ok := d.handler.(Handler[T])
	if !ok {
		return false, &HandlerMissingError{Type: c.tag.String()}
	}
	payload, ok := d.Payload.(T)
	if !ok {
		return false, fmt.Errorf("payload of type %T replaced by middleware, expected %s", d.Payload, c.tag)
	}
	return handler.Handle(ctx, payload)
}

func (c *Consumer[T]) settleFailure(delivery amqp.Delivery) {
	disposition := c.config.disposition
	attempts := deliveryAttempts(delivery)
	if c.config.maxDeliveryCount > 0 && attempts >= c.config.maxDeliveryCount {
		disposition = Discard
	}

	var err error
	switch disposition {
	case Requeue:
		err = delivery.Nack(false, true)
	case Discard:
		err = delivery.Reject(false)
	default:
		return
	}

	if err != nil {
		c.config.logger.Error("failed to settle failed delivery",
			"queue", c.config.queue,
			"disposition", disposition,
			"deliveryTag", delivery.DeliveryTag,
			"error", err,
		)
		return
	}

	c.config.logger.Warn("failed delivery settled",
		"queue", c.config.queue,
		"disposition", disposition,
		"attempts", attempts,
		"deliveryTag", delivery.DeliveryTag,
	)
}

// deliveryAttempts returns how many times the broker has delivered this
// message, counting the current delivery.
func deliveryAttempts(delivery amqp.Delivery) int {
	switch v := delivery.Headers[HeaderDeliveryCount].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int16:
		return int(v) + 1
	case int8:
		return int(v) + 1
	case int:
		return v + 1
	case uint32:
		return int(v) + 1
	case uint16:
		return int(v) + 1
	case uint8:
		return int(v) + 1
	default:
		return 1
	}
}
