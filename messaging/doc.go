// Package messaging implements the consumption pipeline and the producer.
//
// A Registry holds one Handler per payload type. Each binding becomes one
// Consumer, which owns a session on the broker and processes its queue
// sequentially:
//
//	decode -> validate -> look up handler -> invoke -> ack when consumed
//
// A delivery is acknowledged exactly once, and only when the handler returns
// true. Decode failures, validation rejections, missing handlers and handler
// errors are logged and the delivery is left unacknowledged unless a
// FailureDisposition says otherwise.
//
// Stop does not wait for a handler that is already running, and handlers
// have no timeout. A handler that hangs blocks its queue until it returns.
//
// Example usage:
//
//	registry := messaging.NewRegistry()
//	err := messaging.RegisterFunc(registry,
//		func(ctx context.Context, order OrderPlaced) (bool, error) {
//			return ship(ctx, order) == nil, nil
//		},
//		messaging.WithQueue("orders.placed"),
//	)
//
//	consumer, err := messaging.NewConsumer[OrderPlaced](dialer, registry)
//	go consumer.Run(ctx)
//
//	producer, err := messaging.NewProducer(ctx, dialer)
//	err = messaging.Publish(ctx, producer, OrderPlaced{OrderID: "A1", Amount: 10}, "orders.placed", "")
package messaging
