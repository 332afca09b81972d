// Package rabbitmq dials RabbitMQ for consumers and producers.
//
// Each Dial opens a dedicated connection with a single channel, so a session
// is never shared between two consumers or between a consumer and a producer.
//
//	dialer, err := rabbitmq.NewDialer(rabbitmq.DefaultEndpoint(),
//		rabbitmq.WithConnectionName("orders-service"))
package rabbitmq
