package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/burrow/messaging"
)

const namespace = "burrow"

var consumerStates = []messaging.State{
	messaging.StateCreated,
	messaging.StateConnected,
	messaging.StateRegistered,
	messaging.StateRunning,
	messaging.StateDraining,
	messaging.StateClosed,
}

// Collector exports consumer and producer activity to Prometheus.
type Collector struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	publishesTotal   *prometheus.CounterVec
	publishDuration  *prometheus.HistogramVec
	consumerState    *prometheus.GaugeVec
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// Option configures a Collector
type Option func(*Collector)

// WithRegisterer registers the collectors somewhere other than the default registry.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(c *Collector) {
		if registerer != nil {
			c.registerer = registerer
		}
	}
}

// NewCollector creates the collector. Call Register before scraping.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		registerer: prometheus.DefaultRegisterer,
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "deliveries_total",
				Help:      "Deliveries processed, by queue, payload type and outcome",
			},
			[]string{"queue", "payload_type", "outcome"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "delivery_duration_seconds",
				Help:      "Time from receiving a delivery to settling it",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue", "payload_type"},
		),
		publishesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publishes_total",
				Help:      "Publish attempts, by exchange, payload type and result",
			},
			[]string{"exchange", "payload_type", "result"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "producer",
				Name:      "publish_duration_seconds",
				Help:      "Time spent encoding and publishing a payload",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange", "payload_type"},
		),
		consumerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "consumer",
				Name:      "state",
				Help:      "1 for the current lifecycle state of each queue consumer",
			},
			[]string{"queue", "state"},
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// When another Collector already registered the same metrics on the
// registerer, this one records into those instead. Call it before recording.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	var err error
	if c.deliveriesTotal, err = register(c.registerer, c.deliveriesTotal); err != nil {
		return err
	}
	if c.deliveryDuration, err = register(c.registerer, c.deliveryDuration); err != nil {
		return err
	}
	if c.publishesTotal, err = register(c.registerer, c.publishesTotal); err != nil {
		return err
	}
	if c.publishDuration, err = register(c.registerer, c.publishDuration); err != nil {
		return err
	}
	if c.consumerState, err = register(c.registerer, c.consumerState); err != nil {
		return err
	}

	c.registered = true
	return nil
}

// register returns the collector that ends up registered, which is the
// existing one when col was registered before.
func register[C prometheus.Collector](registerer prometheus.Registerer, col C) (C, error) {
	err := registerer.Register(col)
	if err == nil {
		return col, nil
	}

	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return col, err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return col, err
	}
	return existing, nil
}

// RecordDelivery implements messaging.MetricsCollector
func (c *Collector) RecordDelivery(queue, payloadType string, outcome messaging.Outcome, duration time.Duration) {
	c.deliveriesTotal.WithLabelValues(queue, payloadType, string(outcome)).Inc()
	c.deliveryDuration.WithLabelValues(queue, payloadType).Observe(duration.Seconds())
}

// RecordPublish implements messaging.MetricsCollector
func (c *Collector) RecordPublish(exchange, payloadType string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.publishesTotal.WithLabelValues(exchange, payloadType, result).Inc()
	c.publishDuration.WithLabelValues(exchange, payloadType).Observe(duration.Seconds())
}

// RecordConsumerState implements messaging.MetricsCollector. Exactly one
// state label per queue is set to 1.
func (c *Collector) RecordConsumerState(queue string, state messaging.State) {
	for _, s := range consumerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.consumerState.WithLabelValues(queue, s.String()).Set(v)
	}
}
