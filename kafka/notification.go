package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"marketplace-api/models"
	"marketplace-api/notify"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StartNotificationConsumer fans order lifecycle and settlement outcome
// events out to the notifier. Blocks until the consumer loop fails.
func StartNotificationConsumer(consumer sarama.Consumer, notifier notify.Notifier, logger *zap.Logger) error {
	topic := getEnv("KAFKA_ORDER_TOPIC", TopicOrderEvents)
	return consumeTopic(consumer, topic, logger, func(message *sarama.ConsumerMessage) error {
		return handleNotification(message, notifier, logger)
	})
}

func handleNotification(message *sarama.ConsumerMessage, notifier notify.Notifier, logger *zap.Logger) error {
	propagator := otel.GetTextMapPropagator()
	carrier := consumerHeaderCarrier(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	ctx, span := otel.Tracer("marketplace-api").Start(ctx, "Notify")
	defer span.End()

	// Peek at the event type before unmarshalling the full payload.
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	span.SetAttributes(attribute.String("event.type", envelope.EventType))

	switch envelope.EventType {
	case models.EventOrderCreated:
		var event models.OrderEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal order event: %w", err)
		}
		return notifier.OrderCreated(ctx, event)
	case models.EventOrderCancelled:
		var event models.OrderEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal order event: %w", err)
		}
		return notifier.OrderCancelled(ctx, event)
	case models.EventPaymentCompleted, models.EventPaymentFailed, models.EventPaymentRefunded:
		var event models.PaymentEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal payment event: %w", err)
		}
		return notifier.PaymentResult(ctx, event)
	default:
		logger.Debug("Ignoring event", zap.String("event_type", envelope.EventType))
	}

	return nil
}
