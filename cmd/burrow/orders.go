package main

import (
	"context"
	"log/slog"

	"github.com/glimte/burrow"
	"github.com/glimte/burrow/contracts"
	"github.com/glimte/burrow/messaging"
	"github.com/glimte/burrow/serialization"
	"github.com/glimte/burrow/validation"
)

// OrderPlaced is the sample payload served by the run command.
type OrderPlaced struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

func (OrderPlaced) PayloadType() string { return "OrderPlaced" }

func (OrderPlaced) PayloadKind() contracts.Kind { return contracts.KindEvent }

// OrderPlacedHandler logs every order it receives.
type OrderPlacedHandler struct {
	messaging.Handles[OrderPlaced]

	logger *slog.Logger
}

func (h *OrderPlacedHandler) Handle(ctx context.Context, o OrderPlaced) (bool, error) {
	h.logger.Info("order placed",
		"orderId", o.OrderID,
		"customerId", o.CustomerID,
		"amount", o.Amount,
		"currency", o.Currency,
	)
	return true, nil
}

func (h *OrderPlacedHandler) ConfigureReceiver(r messaging.Receiver) {
	_ = r.SetQueueName("orders.placed")
}

func orderRules() *validation.Rules[OrderPlaced] {
	return validation.NewRules(
		validation.NotEmpty("orderId", func(o OrderPlaced) string { return o.OrderID }),
		validation.Positive("amount", func(o OrderPlaced) float64 { return o.Amount }),
		validation.Matches("currency", `^[A-Z]{3}$`, func(o OrderPlaced) string { return o.Currency }),
	)
}

// registerOrders binds the sample handler and its validator to client.
func registerOrders(client *burrow.Client, logger *slog.Logger) error {
	if err := validation.Register[OrderPlaced](client.Validators(), orderRules()); err != nil {
		return err
	}
	return client.Registry().Scan(&OrderPlacedHandler{logger: logger})
}

// payloadTypes lists the types the publish command can send.
func payloadTypes() (*serialization.TypeRegistry, error) {
	types := serialization.NewTypeRegistry()
	if err := serialization.RegisterType[OrderPlaced](types); err != nil {
		return nil, err
	}
	return types, nil
}
