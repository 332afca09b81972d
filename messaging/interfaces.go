package messaging

import (
	"time"
)

// Outcome classifies how a delivery left the consumer pipeline.
type Outcome string

const (
	OutcomeAcked          Outcome = "acked"
	OutcomeNotConsumed    Outcome = "not_consumed"
	OutcomeDecodeFailed   Outcome = "decode_failed"
	OutcomeRejected       Outcome = "validation_rejected"
	OutcomeHandlerMissing Outcome = "handler_missing"
	OutcomeHandlerFailed  Outcome = "handler_failed"
	OutcomeAckFailed      Outcome = "ack_failed"
)

// Failed reports whether the outcome is a pipeline failure. A handler that
// declines a payload is not a failure.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeAcked, OutcomeNotConsumed:
		return false
	default:
		return true
	}
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordDelivery records one processed delivery
	RecordDelivery(queue string, payloadType string, outcome Outcome, duration time.Duration)

	// RecordPublish records a publish attempt
	RecordPublish(exchange string, payloadType string, duration time.Duration, success bool)

	// RecordConsumerState records a consumer lifecycle transition
	RecordConsumerState(queue string, state State)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordDelivery does nothing
func (NoOpMetricsCollector) RecordDelivery(string, string, Outcome, time.Duration) {}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, string, time.Duration, bool) {}

// RecordConsumerState does nothing
func (NoOpMetricsCollector) RecordConsumerState(string, State) {}
