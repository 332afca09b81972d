package messaging

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishOptions configures a single publish
type PublishOptions struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	TTL           time.Duration
	Priority      uint8
	DeliveryMode  uint8 // 1 = non-persistent, 2 = persistent; 0 uses the producer default
	Mandatory     bool
	Headers       map[string]interface{}
}

// PublishOption configures publish behavior
type PublishOption func(*PublishOptions)

// WithMessageID overrides the generated message ID
func WithMessageID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.MessageID = id
	}
}

// WithCorrelationID sets the correlation ID property
func WithCorrelationID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.CorrelationID = id
	}
}

// WithReplyTo sets the reply-to property
func WithReplyTo(queue string) PublishOption {
	return func(opts *PublishOptions) {
		opts.ReplyTo = queue
	}
}

// WithTTL sets the message time-to-live
func WithTTL(ttl time.Duration) PublishOption {
	return func(opts *PublishOptions) {
		opts.TTL = ttl
	}
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithPersistent sets the message as persistent
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		if persistent {
			opts.DeliveryMode = amqp.Persistent
		} else {
			opts.DeliveryMode = amqp.Transient
		}
	}
}

// WithMandatory sets the mandatory flag
func WithMandatory(mandatory bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Mandatory = mandatory
	}
}

// WithHeaders sets custom headers
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(opts *PublishOptions) {
		if opts.Headers == nil {
			opts.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			opts.Headers[k] = v
		}
	}
}

// expiration renders a TTL in the millisecond string form AMQP expects.
func expiration(ttl time.Duration) string {
	if ttl <= 0 {
		return ""
	}
	return strconv.FormatInt(ttl.Milliseconds(), 10)
}
