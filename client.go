// Copyright 2024 Burrow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package burrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/burrow/health"
	"github.com/glimte/burrow/messaging"
	rabbitmqTransport "github.com/glimte/burrow/transports/rabbitmq"
	"github.com/glimte/burrow/validation"
)

var (
	ErrNoHandlers     = errors.New("burrow: no handlers registered")
	ErrAlreadyStarted = errors.New("burrow: client already started")
	ErrClientClosed   = errors.New("burrow: client closed")
)

// Client assembles one consumer per registered handler and a shared producer
// on top of a single dialer.
type Client struct {
	dialer     messaging.Dialer
	registry   *messaging.Registry
	validators *validation.Container
	health     *health.Registry
	config     clientConfig

	mu        sync.Mutex
	producer  *messaging.Producer
	consumers []messaging.Runner
	started   bool
	closed    bool
}

// NewClient creates a client for a RabbitMQ endpoint. Nothing is dialed until
// Start or Producer.
func NewClient(endpoint rabbitmqTransport.Endpoint, options ...Option) (*Client, error) {
	cfg := newClientConfig(options)

	dialerOpts := []rabbitmqTransport.DialerOption{rabbitmqTransport.WithLogger(cfg.logger)}
	if cfg.connectionName != "" {
		dialerOpts = append(dialerOpts, rabbitmqTransport.WithConnectionName(cfg.connectionName))
	}

	dialer, err := rabbitmqTransport.NewDialer(endpoint, dialerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialer: %w", err)
	}

	return newClient(dialer, cfg), nil
}

// NewClientWithDialer creates a client on a custom dialer
func NewClientWithDialer(dialer messaging.Dialer, options ...Option) (*Client, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer cannot be nil")
	}
	return newClient(dialer, newClientConfig(options)), nil
}

func newClient(dialer messaging.Dialer, cfg clientConfig) *Client {
	return &Client{
		dialer:     dialer,
		registry:   messaging.NewRegistry(messaging.WithRegistryLogger(cfg.logger)),
		validators: validation.NewContainer(),
		health:     health.NewRegistry(),
		config:     cfg,
	}
}

// Registry returns the handler registry. Handlers must be registered before Start.
func (c *Client) Registry() *messaging.Registry {
	return c.registry
}

// Validators returns the validator container shared by consumers and the producer
func (c *Client) Validators() *validation.Container {
	return c.validators
}

// HealthRegistry returns the health checks of the started components
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Consumers returns the consumers created by Start
func (c *Client) Consumers() []messaging.Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]messaging.Runner(nil), c.consumers...)
}

// Start creates, connects and starts one consumer per registered handler.
// Handlers implementing messaging.ReceiverConfigurer may adjust their consumer
// first. If any consumer fails to start, the ones already running are stopped.
// Cancelling ctx stops all consumers.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	bindings := c.registry.Bindings()
	if len(bindings) == 0 {
		return ErrNoHandlers
	}

	started := make([]messaging.Runner, 0, len(bindings))
	for _, b := range bindings {
		runner, err := c.startConsumer(ctx, b)
		if err != nil {
			for _, r := range started {
				_ = r.Stop()
			}
			return fmt.Errorf("failed to start consumer for %s: %w", b.Tag, err)
		}
		started = append(started, runner)
	}

	for _, r := range started {
		c.health.Register(health.NewConsumerChecker(r))
	}
	c.health.SetMetadata("consumers", len(started))
	c.consumers = started
	c.started = true

	c.config.logger.Info("client started", "consumers", len(started))
	return nil
}

func (c *Client) startConsumer(ctx context.Context, b messaging.Binding) (messaging.Runner, error) {
	runner, err := b.NewConsumer(c.registry, c.dialer, c.consumerOptions()...)
	if err != nil {
		return nil, err
	}

	if configurer, ok := b.Handler.(messaging.ReceiverConfigurer); ok {
		configurer.ConfigureReceiver(runner)
	}

	if err := runner.Connect(ctx); err != nil {
		_ = runner.Stop()
		return nil, err
	}
	if err := runner.Register(ctx); err != nil {
		return nil, err
	}
	if err := runner.Start(ctx); err != nil {
		_ = runner.Stop()
		return nil, err
	}
	return runner, nil
}

func (c *Client) consumerOptions() []messaging.ConsumerOption {
	middleware := []messaging.Middleware{messaging.Recover()}
	if c.config.tracerProvider != nil {
		middleware = append([]messaging.Middleware{messaging.Tracing(c.config.tracerProvider)}, middleware...)
	}
	middleware = append(middleware, c.config.middleware...)

	opts := []messaging.ConsumerOption{
		messaging.WithConsumerLogger(c.config.logger),
		messaging.WithConsumerMetrics(c.config.metrics),
		messaging.WithValidators(c.validators, c.config.strategy, c.config.policy),
		messaging.WithConsumerMiddleware(middleware...),
	}
	return append(opts, c.config.consumerOptions...)
}

// Producer returns the shared producer, creating it on first use.
func (c *Client) Producer(ctx context.Context) (*messaging.Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.producer != nil {
		return c.producer, nil
	}

	opts := []messaging.ProducerOption{
		messaging.WithProducerLogger(c.config.logger),
		messaging.WithProducerMetrics(c.config.metrics),
		messaging.WithProducerValidators(c.validators, c.config.policy),
	}
	if c.config.tracerProvider != nil {
		opts = append(opts, messaging.WithTracerProvider(c.config.tracerProvider))
	}
	opts = append(opts, c.config.producerOptions...)

	producer, err := messaging.NewProducer(ctx, c.dialer, opts...)
	if err != nil {
		return nil, err
	}

	c.producer = producer
	c.health.Register(health.NewProducerChecker(producer))
	return producer, nil
}

// Wait blocks until every consumer has stopped or ctx is done. It returns the
// errors of consumers that stopped on their own.
func (c *Client) Wait(ctx context.Context) error {
	var errs []error
	for _, r := range c.Consumers() {
		if err := r.Wait(ctx); err != nil {
			return err
		}
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops all consumers and closes the producer
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, r := range c.consumers {
		if err := r.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.producer != nil {
		if err := c.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.config.logger.Info("client closed")
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	metrics         messaging.MetricsCollector
	tracerProvider  trace.TracerProvider
	connectionName  string
	strategy        validation.Strategy
	policy          validation.MissingValidatorPolicy
	middleware      []messaging.Middleware
	consumerOptions []messaging.ConsumerOption
	producerOptions []messaging.ProducerOption
}

func newClientConfig(options []Option) clientConfig {
	cfg := clientConfig{
		logger:   slog.Default(),
		metrics:  messaging.NoOpMetricsCollector{},
		strategy: validation.ResolveOnDelivery,
		policy:   validation.PolicyAlwaysValid,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector for consumers and the producer
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(cfg *clientConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithTracerProvider enables tracing of publishes and handler invocations
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *clientConfig) {
		cfg.tracerProvider = tp
	}
}

// WithConnectionName names the broker connections. Ignored by NewClientWithDialer.
func WithConnectionName(name string) Option {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithValidationStrategy sets when consumers resolve their validator
func WithValidationStrategy(strategy validation.Strategy) Option {
	return func(cfg *clientConfig) {
		cfg.strategy = strategy
	}
}

// WithMissingValidatorPolicy sets what happens for payload types without a validator
func WithMissingValidatorPolicy(policy validation.MissingValidatorPolicy) Option {
	return func(cfg *clientConfig) {
		cfg.policy = policy
	}
}

// WithMiddleware adds handler middleware to every consumer
func WithMiddleware(middleware ...messaging.Middleware) Option {
	return func(cfg *clientConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithConsumerOptions applies extra options to every consumer
func WithConsumerOptions(opts ...messaging.ConsumerOption) Option {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, opts...)
	}
}

// WithProducerOptions applies extra options to the producer
func WithProducerOptions(opts ...messaging.ProducerOption) Option {
	return func(cfg *clientConfig) {
		cfg.producerOptions = append(cfg.producerOptions, opts...)
	}
}
