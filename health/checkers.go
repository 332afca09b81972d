package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/burrow/messaging"
)

// ConsumerChecker reports a queue consumer healthy while it is running.
type ConsumerChecker struct {
	consumer messaging.Runner
}

// NewConsumerChecker creates a checker for one consumer
func NewConsumerChecker(consumer messaging.Runner) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return fmt.Sprintf("consumer_%s", c.consumer.QueueName())
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.consumer.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"queue":        c.consumer.QueueName(),
			"payload_type": c.consumer.PayloadType().String(),
			"state":        state.String(),
		},
	}

	switch state {
	case messaging.StateRunning:
		result.Status = StatusHealthy
		result.Message = "Consumer is running"
	case messaging.StateDraining:
		result.Status = StatusDegraded
		result.Message = "Consumer is stopping"
	case messaging.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = "Consumer is closed"
		if err := c.consumer.Err(); err != nil {
			result.Error = err.Error()
		}
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Consumer is not running yet (%s)", state)
	}

	result.Duration = time.Since(start)
	return result
}

// ProducerChecker reports whether the producer can still publish.
type ProducerChecker struct {
	producer interface {
		IsOpen() bool
		Mode() messaging.ConnectionMode
	}
}

// NewProducerChecker creates a checker for the producer
func NewProducerChecker(producer *messaging.Producer) *ProducerChecker {
	return &ProducerChecker{producer: producer}
}

func (c *ProducerChecker) Name() string {
	return "producer"
}

func (c *ProducerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"mode": c.producer.Mode().String(),
		},
	}

	if c.producer.IsOpen() {
		result.Status = StatusHealthy
		result.Message = "Producer is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Producer session is closed"
	}

	result.Duration = time.Since(start)
	return result
}
