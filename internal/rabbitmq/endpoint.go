package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Endpoint holds the broker parameters. They are bound once, when a session
// is first dialed.
type Endpoint struct {
	Host           string        `json:"hostName" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	VirtualHost    string        `json:"virtualHost" yaml:"virtualHost"`
	UserName       string        `json:"userName" yaml:"userName"`
	Password       string        `json:"password" yaml:"password"`
	ConnectionName string        `json:"connectionName,omitempty" yaml:"connectionName"`
	DialTimeout    time.Duration `json:"dialTimeout,omitempty" yaml:"dialTimeout"`
	Heartbeat      time.Duration `json:"heartbeat,omitempty" yaml:"heartbeat"`
}

const (
	defaultPort        = 5672
	defaultDialTimeout = 30 * time.Second
	defaultHeartbeat   = 10 * time.Second
)

// DefaultEndpoint returns the parameters of a local broker with the default guest account.
func DefaultEndpoint() Endpoint {
	return Endpoint{
		Host:        "localhost",
		Port:        defaultPort,
		VirtualHost: "/",
		UserName:    "guest",
		Password:    "guest",
		DialTimeout: defaultDialTimeout,
		Heartbeat:   defaultHeartbeat,
	}
}

// Validate checks the endpoint is usable
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, e.Port)
	}
	if e.DialTimeout < 0 {
		return fmt.Errorf("%w: dial timeout cannot be negative", ErrInvalidConfiguration)
	}
	return nil
}

// URI renders the endpoint as an AMQP URI.
func (e Endpoint) URI() string {
	port := e.Port
	if port == 0 {
		port = defaultPort
	}
	vhost := e.VirtualHost
	if vhost == "" {
		vhost = "/"
	}

	return amqp.URI{
		Scheme:   "amqp",
		Host:     e.Host,
		Port:     port,
		Username: e.UserName,
		Password: e.Password,
		Vhost:    vhost,
	}.String()
}

// String renders the endpoint without its password.
func (e Endpoint) String() string {
	return SanitizeURL(e.URI())
}

func (e Endpoint) dialTimeout() time.Duration {
	if e.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return e.DialTimeout
}

func (e Endpoint) config() amqp.Config {
	heartbeat := e.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	vhost := e.VirtualHost
	if vhost == "" {
		vhost = "/"
	}

	props := amqp.NewConnectionProperties()
	if e.ConnectionName != "" {
		props.SetClientConnectionName(e.ConnectionName)
	}

	return amqp.Config{
		Vhost:      vhost,
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(e.dialTimeout()),
	}
}
