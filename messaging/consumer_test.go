package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/burrow/serialization"
	"github.com/glimte/burrow/validation"
)

type recordingHandler struct {
	mu       sync.Mutex
	received []orderPlaced
	result   bool
	err      error
	panicMsg string
	calls    *[]string
}

func (h *recordingHandler) Handle(_ context.Context, order orderPlaced) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls != nil {
		*h.calls = append(*h.calls, "handler")
	}
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	h.received = append(h.received, order)
	return h.result, h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func positiveAmountValidator() validation.Validator[orderPlaced] {
	return validation.NewRules[orderPlaced](
		validation.Positive("amount", func(o orderPlaced) int { return o.Amount }),
	)
}

type consumerFixture struct {
	registry   *Registry
	validators *validation.Container
	handler    *recordingHandler
	metrics    *recordingMetrics
	dialer     *fakeDialer
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()

	f := &consumerFixture{
		registry:   NewRegistry(WithRegistryLogger(discardLogger())),
		validators: validation.NewContainer(),
		handler:    &recordingHandler{result: true},
		metrics:    &recordingMetrics{},
		dialer:     &fakeDialer{},
	}
	require.NoError(t, Register[orderPlaced](f.registry, f.handler, WithQueue("orders.placed")))
	require.NoError(t, validation.Register(f.validators, positiveAmountValidator()))
	return f
}

func (f *consumerFixture) consumer(t *testing.T, opts ...ConsumerOption) *Consumer[orderPlaced] {
	t.Helper()

	all := append([]ConsumerOption{
		WithConsumerQueue("orders.placed"),
		WithValidators(f.validators, validation.ResolveOnDelivery, validation.PolicyAlwaysValid),
		WithConsumerLogger(discardLogger()),
		WithConsumerMetrics(f.metrics),
	}, opts...)

	c, err := NewConsumer[orderPlaced](f.dialer, f.registry, all...)
	require.NoError(t, err)
	return c
}

func delivery(body string, ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  7,
		MessageId:    "msg-1",
		Body:         []byte(body),
	}
}

func TestConsumerPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("valid order is handled and acknowledged once", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		ack.AssertExpectations(t)
		ack.AssertNumberOfCalls(t, "Ack", 1)
		require.Equal(t, 1, f.handler.count())
		assert.Equal(t, orderPlaced{OrderID: "A1", Amount: 10}, f.handler.received[0])
		assert.Equal(t, []Outcome{OutcomeAcked}, f.metrics.outcomes())
	})

	t.Run("malformed body never reaches the handler", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery("{not json", ack))

		assert.Equal(t, 0, f.handler.count())
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeDecodeFailed}, f.metrics.outcomes())
	})

	t.Run("null body is a decode failure", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery("null", ack))

		assert.Equal(t, 0, f.handler.count())
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeDecodeFailed}, f.metrics.outcomes())
	})

	t.Run("validation rejection never reaches the handler", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":-5}`, ack))

		assert.Equal(t, 0, f.handler.count())
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeRejected}, f.metrics.outcomes())
	})

	t.Run("declined delivery is left unacknowledged", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.result = false
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		assert.Equal(t, 1, f.handler.count())
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeNotConsumed}, f.metrics.outcomes())
	})

	t.Run("handler error is left unacknowledged by default", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.err = errors.New("warehouse unavailable")
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeHandlerFailed}, f.metrics.outcomes())
	})

	t.Run("handler error returning true is still a failure", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.err = errors.New("partial write")
		f.handler.result = true
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.panicMsg = "nil map"
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}

		assert.NotPanics(t, func() {
			c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))
		})
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, []Outcome{OutcomeHandlerFailed}, f.metrics.outcomes())
	})

	t.Run("failed ack is reported", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(amqp.ErrClosed)

		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		assert.Equal(t, []Outcome{OutcomeAckFailed}, f.metrics.outcomes())
	})
}

func TestConsumerHandleDeliveryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("decode failure", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		outcome, err := c.handleDelivery(ctx, delivery("{not json", &mockDeliveryAcknowledger{}))
		assert.Equal(t, OutcomeDecodeFailed, outcome)
		assert.ErrorIs(t, err, serialization.ErrDecode)
	})

	t.Run("validation failure", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		outcome, err := c.handleDelivery(ctx, delivery(`{"orderId":"A1","amount":-5}`, &mockDeliveryAcknowledger{}))
		assert.Equal(t, OutcomeRejected, outcome)
		assert.ErrorIs(t, err, validation.ErrValidationRejected)
	})

	t.Run("handler failure", func(t *testing.T) {
		f := newConsumerFixture(t)
		cause := errors.New("warehouse unavailable")
		f.handler.err = cause
		c := f.consumer(t)

		outcome, err := c.handleDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, &mockDeliveryAcknowledger{}))
		assert.Equal(t, OutcomeHandlerFailed, outcome)
		assert.ErrorIs(t, err, ErrHandlerFailure)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("handler panic", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.panicMsg = "boom"
		c := f.consumer(t)

		_, err := c.handleDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, &mockDeliveryAcknowledger{}))

		var hf *HandlerFailureError
		require.True(t, errors.As(err, &hf))
		assert.Equal(t, "boom", hf.Panic)
		assert.Equal(t, "orders.placed", hf.Queue)
	})
}

func TestConsumerValidatesBeforeHandling(t *testing.T) {
	var calls []string
	registry := NewRegistry(WithRegistryLogger(discardLogger()))
	handler := &recordingHandler{result: true, calls: &calls}
	require.NoError(t, Register[orderPlaced](registry, handler))

	validators := validation.NewContainer()
	require.NoError(t, validation.RegisterFunc(validators, func(context.Context, orderPlaced) error {
		calls = append(calls, "validator")
		return nil
	}))

	c, err := NewConsumer[orderPlaced](&fakeDialer{}, registry,
		WithValidators(validators, validation.ResolveOnce, validation.PolicyAlwaysValid),
		WithConsumerLogger(discardLogger()),
	)
	require.NoError(t, err)

	ack := &mockDeliveryAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(nil)
	c.processDelivery(context.Background(), delivery(`{"orderId":"A1","amount":10}`, ack))

	assert.Equal(t, []string{"validator", "handler"}, calls)
}

func TestConsumerMissingValidator(t *testing.T) {
	t.Run("always valid when no validator is registered", func(t *testing.T) {
		registry := NewRegistry(WithRegistryLogger(discardLogger()))
		handler := &recordingHandler{result: true}
		require.NoError(t, Register[orderPlaced](registry, handler))

		c, err := NewConsumer[orderPlaced](&fakeDialer{}, registry, WithConsumerLogger(discardLogger()))
		require.NoError(t, err)

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil)
		c.processDelivery(context.Background(), delivery(`{"orderId":"A1","amount":-5}`, ack))

		assert.Equal(t, 1, handler.count())
		ack.AssertExpectations(t)
	})

	t.Run("fail fast refuses construction", func(t *testing.T) {
		registry := NewRegistry(WithRegistryLogger(discardLogger()))
		require.NoError(t, Register[orderPlaced](registry, &recordingHandler{}))

		_, err := NewConsumer[orderPlaced](&fakeDialer{}, registry,
			WithValidators(validation.NewContainer(), validation.ResolveOnce, validation.PolicyFailFast),
		)
		assert.ErrorIs(t, err, validation.ErrMissingValidator)
	})

	t.Run("late registration is honoured", func(t *testing.T) {
		f := newConsumerFixture(t)
		validators := validation.NewContainer()
		c := f.consumer(t, WithValidators(validators, validation.ResolveOnDelivery, validation.PolicyAlwaysValid))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()
		c.processDelivery(context.Background(), delivery(`{"orderId":"A1","amount":-5}`, ack))

		require.NoError(t, validation.Register(validators, positiveAmountValidator()))
		c.processDelivery(context.Background(), delivery(`{"orderId":"A2","amount":-5}`, ack))

		assert.Equal(t, 1, f.handler.count())
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})
}

func TestConsumerRequiresHandler(t *testing.T) {
	_, err := NewConsumer[refundIssued](&fakeDialer{}, NewRegistry(WithRegistryLogger(discardLogger())))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerMissing)

	_, err = NewConsumer[orderPlaced](nil, NewRegistry())
	assert.Error(t, err)
}

func TestConsumerFailureDisposition(t *testing.T) {
	ctx := context.Background()

	t.Run("requeue nacks failed deliveries", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t, WithFailureDisposition(Requeue))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Nack", uint64(7), false, true).Return(nil).Once()
		c.processDelivery(ctx, delivery("{not json", ack))

		ack.AssertExpectations(t)
	})

	t.Run("discard rejects failed deliveries", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t, WithFailureDisposition(Discard))

		ack := &mockDeliveryAcknowledger{}
		ack.On("Reject", uint64(7), false).Return(nil).Once()
		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":-5}`, ack))

		ack.AssertExpectations(t)
	})

	t.Run("declined deliveries are never settled", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.result = false
		c := f.consumer(t, WithFailureDisposition(Discard))

		ack := &mockDeliveryAcknowledger{}
		c.processDelivery(ctx, delivery(`{"orderId":"A1","amount":10}`, ack))

		ack.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("max delivery count rejects exhausted deliveries", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.handler.err = errors.New("still failing")
		c := f.consumer(t, WithMaxDeliveryCount(3))

		fresh := &mockDeliveryAcknowledger{}
		d := delivery(`{"orderId":"A1","amount":10}`, fresh)
		d.Headers = amqp.Table{HeaderDeliveryCount: int64(1)}
		c.processDelivery(ctx, d)
		fresh.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)

		exhausted := &mockDeliveryAcknowledger{}
		exhausted.On("Reject", uint64(7), false).Return(nil).Once()
		d = delivery(`{"orderId":"A1","amount":10}`, exhausted)
		d.Headers = amqp.Table{HeaderDeliveryCount: int64(2)}
		c.processDelivery(ctx, d)
		exhausted.AssertExpectations(t)
	})
}

func TestDeliveryAttempts(t *testing.T) {
	assert.Equal(t, 1, deliveryAttempts(amqp.Delivery{}))
	assert.Equal(t, 3, deliveryAttempts(amqp.Delivery{Headers: amqp.Table{HeaderDeliveryCount: int64(2)}}))
	assert.Equal(t, 2, deliveryAttempts(amqp.Delivery{Headers: amqp.Table{HeaderDeliveryCount: int32(1)}}))
	assert.Equal(t, 1, deliveryAttempts(amqp.Delivery{Headers: amqp.Table{HeaderDeliveryCount: "2"}}))
}

func TestConsumerMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next HandleFunc) HandleFunc {
			return func(ctx context.Context, d *Delivery) (bool, error) {
				order = append(order, name)
				assert.Equal(t, "orders.placed", d.Queue)
				assert.Equal(t, orderPlaced{OrderID: "A1", Amount: 10}, d.Payload)
				return next(ctx, d)
			}
		}
	}

	f := newConsumerFixture(t)
	f.handler.calls = &order
	c := f.consumer(t, WithConsumerMiddleware(mw("outer"), mw("inner"), Logging(discardLogger()), Tracing(nil)))

	ack := &mockDeliveryAcknowledger{}
	ack.On("Ack", uint64(7), false).Return(nil)
	c.processDelivery(context.Background(), delivery(`{"orderId":"A1","amount":10}`, ack))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
	ack.AssertExpectations(t)
}

func TestConsumerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("connect register start stop", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t, WithPrefetchCount(5), WithConsumerTag("orders-1"))
		assert.Equal(t, StateCreated, c.State())

		require.NoError(t, c.Connect(ctx))
		assert.Equal(t, StateConnected, c.State())

		require.NoError(t, c.Register(ctx))
		assert.Equal(t, StateRegistered, c.State())

		ch := f.dialer.session(0).ch
		assert.Equal(t, []int{5}, ch.qos)
		assert.Equal(t, "orders.placed", ch.consumeQueue)
		assert.Equal(t, "orders-1", ch.consumeTag)

		require.NoError(t, c.Start(ctx))
		assert.Equal(t, StateRunning, c.State())

		ack := &countingAcknowledger{}
		ch.deliver(delivery(`{"orderId":"A1","amount":10}`, ack))
		require.Eventually(t, func() bool { return ack.acks.Load() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, c.Stop())
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, []string{"orders-1"}, ch.cancelledTags())
		assert.True(t, f.dialer.session(0).IsClosed())

		require.NoError(t, c.Wait(ctx))
		assert.NoError(t, c.Err())
		assert.Equal(t,
			[]State{StateConnected, StateRegistered, StateRunning, StateDraining, StateClosed},
			f.metrics.stateHistory(),
		)
	})

	t.Run("zero prefetch skips qos", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Register(ctx))

		assert.Empty(t, f.dialer.session(0).ch.qos)
		assert.NotEmpty(t, c.ConsumerTag())
		require.NoError(t, c.Stop())
	})

	t.Run("no deliveries are processed before start", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Register(ctx))

		ack := &countingAcknowledger{}
		f.dialer.session(0).ch.deliver(delivery(`{"orderId":"A1","amount":10}`, ack))

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, f.handler.count())

		require.NoError(t, c.Start(ctx))
		require.Eventually(t, func() bool { return ack.acks.Load() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, c.Stop())
	})

	t.Run("deliveries are processed in order", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Register(ctx))
		require.NoError(t, c.Start(ctx))

		ack := &countingAcknowledger{}
		ch := f.dialer.session(0).ch
		ch.deliver(delivery(`{"orderId":"A1","amount":1}`, ack))
		ch.deliver(delivery(`{"orderId":"A2","amount":2}`, ack))
		ch.deliver(delivery(`{"orderId":"A3","amount":3}`, ack))

		require.Eventually(t, func() bool { return ack.acks.Load() == 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, c.Stop())

		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		ids := []string{f.handler.received[0].OrderID, f.handler.received[1].OrderID, f.handler.received[2].OrderID}
		assert.Equal(t, []string{"A1", "A2", "A3"}, ids)
	})

	t.Run("failures do not stop the loop", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Register(ctx))
		require.NoError(t, c.Start(ctx))

		ack := &countingAcknowledger{}
		ch := f.dialer.session(0).ch
		ch.deliver(delivery("{not json", ack))
		ch.deliver(delivery(`{"orderId":"A1","amount":-5}`, ack))
		ch.deliver(delivery(`{"orderId":"A1","amount":10}`, ack))

		require.Eventually(t, func() bool { return ack.acks.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, StateRunning, c.State())
		assert.Equal(t, 1, f.handler.count())
		require.NoError(t, c.Stop())
	})

	t.Run("run blocks until context is cancelled", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(runCtx) }()

		require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancellation")
		}
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("broker closing deliveries closes the consumer", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)
		require.NoError(t, c.Connect(ctx))
		require.NoError(t, c.Register(ctx))
		require.NoError(t, c.Start(ctx))

		f.dialer.session(0).ch.closeDeliveries()

		require.NoError(t, c.Wait(ctx))
		assert.Equal(t, StateClosed, c.State())
		assert.ErrorIs(t, c.Err(), ErrConnectivity)
		assert.ErrorIs(t, c.Err(), ErrDeliveriesClosed)
	})

	t.Run("stop is idempotent and allowed before connect", func(t *testing.T) {
		f := newConsumerFixture(t)
		c := f.consumer(t)

		require.NoError(t, c.Stop())
		require.NoError(t, c.Stop())
		assert.Equal(t, StateClosed, c.State())

		select {
		case <-c.Done():
		default:
			t.Fatal("done should be closed")
		}
	})
}

func TestConsumerInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	c := f.consumer(t)

	assert.ErrorIs(t, c.Register(ctx), ErrInvalidState)
	assert.ErrorIs(t, c.Start(ctx), ErrInvalidState)

	require.NoError(t, c.Connect(ctx))
	assert.ErrorIs(t, c.Connect(ctx), ErrInvalidState)
	assert.ErrorIs(t, c.Start(ctx), ErrInvalidState)

	require.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Connect(ctx), ErrInvalidState)

	var stateErr *StateError
	require.True(t, errors.As(c.Register(ctx), &stateErr))
	assert.Equal(t, StateClosed, stateErr.State)
}

func TestConsumerConnectivityFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unreachable broker", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.dialer.err = errBrokerDown
		c := f.consumer(t)

		err := c.Connect(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnectivity)
		assert.ErrorIs(t, err, errBrokerDown)
		assert.Equal(t, StateCreated, c.State())
	})

	t.Run("consume refused", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.dialer.prepare = func(ch *fakeChannel) {
			ch.consumeErr = errors.New("NOT_FOUND - no queue 'orders.placed'")
		}
		c := f.consumer(t)

		require.NoError(t, c.Connect(ctx))
		err := c.Register(ctx)
		assert.ErrorIs(t, err, ErrConnectivity)
		assert.Equal(t, StateClosed, c.State())
		assert.True(t, f.dialer.session(0).IsClosed())
		require.NoError(t, c.Wait(ctx))
	})

	t.Run("qos refused", func(t *testing.T) {
		f := newConsumerFixture(t)
		f.dialer.prepare = func(ch *fakeChannel) {
			ch.qosErr = errors.New("channel closed")
		}
		c := f.consumer(t, WithPrefetchCount(10))

		require.NoError(t, c.Connect(ctx))
		assert.ErrorIs(t, c.Register(ctx), ErrConnectivity)
	})
}

func TestConsumerReceiver(t *testing.T) {
	f := newConsumerFixture(t)
	c := f.consumer(t)

	assert.Equal(t, "orderPlaced", c.PayloadType().String())
	require.NoError(t, c.SetQueueName("orders.priority"))
	require.NoError(t, c.SetPrefetchCount(3))
	require.NoError(t, c.SetConsumerTag("priority-1"))
	assert.Equal(t, "orders.priority", c.QueueName())
	assert.Error(t, c.SetQueueName(""))
	assert.Error(t, c.SetPrefetchCount(-1))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Register(context.Background()))
	ch := f.dialer.session(0).ch
	assert.Equal(t, "orders.priority", ch.consumeQueue)
	assert.Equal(t, "priority-1", ch.consumeTag)
	assert.Equal(t, []int{3}, ch.qos)

	assert.ErrorIs(t, c.SetQueueName("too.late"), ErrInvalidState)
	require.NoError(t, c.Stop())
}

func TestConsumerDefaultsToBindingQueue(t *testing.T) {
	f := newConsumerFixture(t)

	c, err := NewConsumer[orderPlaced](f.dialer, f.registry, WithConsumerLogger(discardLogger()))
	require.NoError(t, err)
	assert.Equal(t, "orders.placed", c.QueueName())
}

func TestConsumerLogsFailures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		prepare func(f *consumerFixture)
		outcome Outcome
	}{
		{name: "decode failure", body: "{not json", outcome: OutcomeDecodeFailed},
		{name: "validation rejection", body: `{"orderId":"A1","amount":-5}`, outcome: OutcomeRejected},
		{
			name:    "handler error",
			body:    `{"orderId":"A1","amount":10}`,
			prepare: func(f *consumerFixture) { f.handler.err = errors.New("warehouse unavailable") },
			outcome: OutcomeHandlerFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newConsumerFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			c := f.consumer(t, WithConsumerLogger(logger))

			c.processDelivery(context.Background(), delivery(tt.body, &countingAcknowledger{}))

			var errorRecords []map[string]any
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				if line == "" {
					continue
				}
				var record map[string]any
				require.NoError(t, sonic.Unmarshal([]byte(line), &record))
				if record["level"] == "ERROR" {
					errorRecords = append(errorRecords, record)
				}
			}

			require.Len(t, errorRecords, 1)
			assert.Equal(t, "failed to process delivery", errorRecords[0]["msg"])
			assert.Equal(t, string(tt.outcome), errorRecords[0]["outcome"])
			assert.Equal(t, "orders.placed", errorRecords[0]["queue"])
			assert.NotEmpty(t, errorRecords[0]["error"])
		})
	}
}

func TestConsumerStopDoesNotWaitForHandler(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(WithRegistryLogger(discardLogger()))

	started := make(chan struct{})
	release := make(chan struct{})
	handlerCtxErr := make(chan error, 1)
	require.NoError(t, RegisterFunc(registry, func(hctx context.Context, _ orderPlaced) (bool, error) {
		close(started)
		<-release
		handlerCtxErr <- hctx.Err()
		return true, nil
	}, WithQueue("orders.placed")))

	dialer := &fakeDialer{}
	c, err := NewConsumer[orderPlaced](dialer, registry, WithConsumerLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Register(ctx))
	require.NoError(t, c.Start(ctx))

	dialer.session(0).ch.deliver(delivery(`{"orderId":"A1","amount":10}`, &countingAcknowledger{}))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(release)
		t.Fatal("Stop waited for the running handler")
	}

	assert.Equal(t, StateClosed, c.State())
	assert.True(t, dialer.session(0).IsClosed())
	select {
	case <-c.Done():
		t.Fatal("consumer loop finished while the handler was still running")
	default:
	}

	close(release)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer loop did not finish after the handler returned")
	}
	assert.NoError(t, <-handlerCtxErr)
	assert.NoError(t, c.Err())
}
