package notify

import (
	"context"

	"marketplace-api/models"

	"go.uber.org/zap"
)

// Notifier delivers customer-facing notifications for order and payment
// events. It is a constructed dependency rather than a package-level client
// so tests can substitute it.
type Notifier interface {
	OrderCreated(ctx context.Context, event models.OrderEvent) error
	OrderCancelled(ctx context.Context, event models.OrderEvent) error
	PaymentResult(ctx context.Context, event models.PaymentEvent) error
}

// LogNotifier records what would have been sent. Real email delivery is
// handled outside this service.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) OrderCreated(ctx context.Context, event models.OrderEvent) error {
	n.logger.Info("Notification: order confirmation",
		zap.Int("user_id", event.UserID),
		zap.String("order_number", event.OrderNumber),
		zap.Float64("total", event.Total),
	)
	return nil
}

func (n *LogNotifier) OrderCancelled(ctx context.Context, event models.OrderEvent) error {
	n.logger.Info("Notification: order cancelled",
		zap.Int("user_id", event.UserID),
		zap.String("order_number", event.OrderNumber),
	)
	return nil
}

func (n *LogNotifier) PaymentResult(ctx context.Context, event models.PaymentEvent) error {
	n.logger.Info("Notification: payment result",
		zap.Int("user_id", event.UserID),
		zap.Int("payment_id", event.PaymentID),
		zap.String("status", string(event.Status)),
	)
	return nil
}
