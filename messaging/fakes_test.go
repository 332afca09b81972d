package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

type refundIssued struct {
	RefundID string `json:"refundId"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Mock acknowledger for deliveries
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// countingAcknowledger records settlements from the consumer goroutine.
type countingAcknowledger struct {
	acks    atomic.Int32
	nacks   atomic.Int32
	rejects atomic.Int32
}

func (a *countingAcknowledger) Ack(uint64, bool) error {
	a.acks.Add(1)
	return nil
}

func (a *countingAcknowledger) Nack(uint64, bool, bool) error {
	a.nacks.Add(1)
	return nil
}

func (a *countingAcknowledger) Reject(uint64, bool) error {
	a.rejects.Add(1)
	return nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type fakeChannel struct {
	mu           sync.Mutex
	deliveries   chan amqp.Delivery
	closeOnce    sync.Once
	closed       bool
	qos          []int
	consumeQueue string
	consumeTag   string
	cancelled    []string
	published    []publishedMessage
	qosErr       error
	consumeErr   error
	publishErr   error
	publishDelay time.Duration

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qosErr != nil {
		return c.qosErr
	}
	c.qos = append(c.qos, prefetchCount)
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	c.consumeQueue = queue
	c.consumeTag = consumer
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	c.cancelled = append(c.cancelled, consumer)
	c.mu.Unlock()
	c.closeDeliveries()
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inFlight.Add(-1)

	if c.publishDelay > 0 {
		time.Sleep(c.publishDelay)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMessage{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeDeliveries()
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) closeDeliveries() {
	c.closeOnce.Do(func() { close(c.deliveries) })
}

func (c *fakeChannel) deliver(d amqp.Delivery) {
	c.deliveries <- d
}

func (c *fakeChannel) publishedMessages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func (c *fakeChannel) cancelledTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type fakeSession struct {
	ch     *fakeChannel
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Channel() Channel {
	return s.ch
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ch.Close()
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeSession
	prepare  func(ch *fakeChannel)
}

func (d *fakeDialer) Dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}

	ch := newFakeChannel()
	if d.prepare != nil {
		d.prepare(ch)
	}
	s := &fakeSession{ch: ch}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

var errBrokerDown = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

type deliveryRecord struct {
	queue       string
	payloadType string
	outcome     Outcome
}

// recordingMetrics captures what the consumer and producer report.
type recordingMetrics struct {
	mu         sync.Mutex
	deliveries []deliveryRecord
	publishes  []bool
	states     []State
}

func (m *recordingMetrics) RecordDelivery(queue, payloadType string, outcome Outcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, deliveryRecord{queue: queue, payloadType: payloadType, outcome: outcome})
}

func (m *recordingMetrics) RecordPublish(_, _ string, _ time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes = append(m.publishes, success)
}

func (m *recordingMetrics) RecordConsumerState(_ string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *recordingMetrics) outcomes() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Outcome, len(m.deliveries))
	for i, d := range m.deliveries {
		out[i] = d.outcome
	}
	return out
}

func (m *recordingMetrics) stateHistory() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.states...)
}
