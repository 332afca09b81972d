package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/glimte/burrow"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/transports/rabbitmq"
	"github.com/glimte/burrow/validation"
)

type Config struct {
	RabbitMQ   RabbitMQ   `yaml:"rabbitmq" json:"rabbitmq"`
	Consumer   Consumer   `yaml:"consumer" json:"consumer"`
	Producer   Producer   `yaml:"producer" json:"producer"`
	Validation Validation `yaml:"validation" json:"validation"`
	Log        Log        `yaml:"log" json:"log"`
	HTTP       HTTP       `yaml:"http" json:"http"`
}

type RabbitMQ struct {
	Host           string        `yaml:"host" json:"host" env:"BURROW_RABBITMQ_HOST" env-default:"localhost"`
	Port           int           `yaml:"port" json:"port" env:"BURROW_RABBITMQ_PORT" env-default:"5672"`
	VirtualHost    string        `yaml:"virtualHost" json:"virtualHost" env:"BURROW_RABBITMQ_VHOST" env-default:"/"`
	UserName       string        `yaml:"userName" json:"userName" env:"BURROW_RABBITMQ_USER" env-default:"guest"`
	Password       string        `yaml:"password" json:"password" env:"BURROW_RABBITMQ_PASSWORD" env-default:"guest"`
	ConnectionName string        `yaml:"connectionName" json:"connectionName" env:"BURROW_RABBITMQ_CONNECTION_NAME"`
	DialTimeout    time.Duration `yaml:"dialTimeout" json:"dialTimeout" env:"BURROW_RABBITMQ_DIAL_TIMEOUT" env-default:"30s"`
	Heartbeat      time.Duration `yaml:"heartbeat" json:"heartbeat" env:"BURROW_RABBITMQ_HEARTBEAT" env-default:"10s"`
}

type Consumer struct {
	PrefetchCount      int    `yaml:"prefetchCount" json:"prefetchCount" env:"BURROW_CONSUMER_PREFETCH" env-default:"0"`
	FailureDisposition string `yaml:"failureDisposition" json:"failureDisposition" env:"BURROW_CONSUMER_FAILURE_DISPOSITION" env-default:"leave-unacked"`
	MaxDeliveryCount   int    `yaml:"maxDeliveryCount" json:"maxDeliveryCount" env:"BURROW_CONSUMER_MAX_DELIVERY_COUNT" env-default:"0"`
}

type Producer struct {
	Mode               string `yaml:"mode" json:"mode" env:"BURROW_PRODUCER_MODE" env-default:"persistent"`
	PersistentDelivery bool   `yaml:"persistentDelivery" json:"persistentDelivery" env:"BURROW_PRODUCER_PERSISTENT_DELIVERY" env-default:"true"`
}

type Validation struct {
	Strategy      string `yaml:"strategy" json:"strategy" env:"BURROW_VALIDATION_STRATEGY" env-default:"on-delivery"`
	MissingPolicy string `yaml:"missingPolicy" json:"missingPolicy" env:"BURROW_VALIDATION_MISSING_POLICY" env-default:"always-valid"`
}

type Log struct {
	Level  string `yaml:"level" json:"level" env:"BURROW_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" json:"format" env:"BURROW_LOG_FORMAT" env-default:"json"`
}

type HTTP struct {
	Addr string `yaml:"addr" json:"addr" env:"BURROW_HTTP_ADDR" env-default:":9090"`
}

// Load reads path and applies environment overrides. When path is empty or
// the file does not exist, only the environment and defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("config error: %w", err)
			}
			return cfg, cfg.Validate()
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings parse
func (c *Config) Validate() error {
	var errs []error
	if err := c.Endpoint().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Consumer.PrefetchCount < 0 {
		errs = append(errs, fmt.Errorf("consumer.prefetchCount cannot be negative"))
	}
	if c.Consumer.MaxDeliveryCount < 0 {
		errs = append(errs, fmt.Errorf("consumer.maxDeliveryCount cannot be negative"))
	}
	if _, err := messaging.ParseFailureDisposition(c.Consumer.FailureDisposition); err != nil {
		errs = append(errs, err)
	}
	if _, err := messaging.ParseConnectionMode(c.Producer.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := validation.ParseStrategy(c.Validation.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := validation.ParsePolicy(c.Validation.MissingPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Endpoint returns the broker parameters
func (c *Config) Endpoint() rabbitmq.Endpoint {
	return rabbitmq.Endpoint{
		Host:           c.RabbitMQ.Host,
		Port:           c.RabbitMQ.Port,
		VirtualHost:    c.RabbitMQ.VirtualHost,
		UserName:       c.RabbitMQ.UserName,
		Password:       c.RabbitMQ.Password,
		ConnectionName: c.RabbitMQ.ConnectionName,
		DialTimeout:    c.RabbitMQ.DialTimeout,
		Heartbeat:      c.RabbitMQ.Heartbeat,
	}
}

// ClientOptions maps the consumer, producer and validation settings to client options.
func (c *Config) ClientOptions() ([]burrow.Option, error) {
	disposition, err := messaging.ParseFailureDisposition(c.Consumer.FailureDisposition)
	if err != nil {
		return nil, err
	}
	mode, err := messaging.ParseConnectionMode(c.Producer.Mode)
	if err != nil {
		return nil, err
	}
	strategy, err := validation.ParseStrategy(c.Validation.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := validation.ParsePolicy(c.Validation.MissingPolicy)
	if err != nil {
		return nil, err
	}

	consumerOpts := []messaging.ConsumerOption{
		messaging.WithFailureDisposition(disposition),
		messaging.WithMaxDeliveryCount(c.Consumer.MaxDeliveryCount),
	}
	if c.Consumer.PrefetchCount > 0 {
		consumerOpts = append(consumerOpts, messaging.WithPrefetchCount(c.Consumer.PrefetchCount))
	}

	opts := []burrow.Option{
		burrow.WithValidationStrategy(strategy),
		burrow.WithMissingValidatorPolicy(policy),
		burrow.WithConsumerOptions(consumerOpts...),
		burrow.WithProducerOptions(
			messaging.WithConnectionMode(mode),
			messaging.WithPersistentDelivery(c.Producer.PersistentDelivery),
		),
	}
	if c.RabbitMQ.ConnectionName != "" {
		opts = append(opts, burrow.WithConnectionName(c.RabbitMQ.ConnectionName))
	}
	return opts, nil
}

// String renders the configuration as JSON with the password hidden.
func (c *Config) String() string {
	redacted := *c
	if redacted.RabbitMQ.Password != "" {
		redacted.RabbitMQ.Password = "***"
	}
	out, err := sonic.ConfigStd.MarshalToString(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return out
}

// NewLogger builds the process logger on stderr
func NewLogger(l Log) *slog.Logger {
	return newLogger(l, os.Stderr)
}

func newLogger(l Log, w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
