package kafka

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"marketplace-api/circuitbreaker"
	"marketplace-api/middleware"
	"marketplace-api/models"
	"marketplace-api/pricing"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SettlementWorker resolves processing payments to completed or failed. It
// consumes payment_requested events, so a settlement survives a process
// restart: the broker redelivers and Settle is idempotent keyed by payment id.
type SettlementWorker struct {
	db       *sql.DB
	producer sarama.SyncProducer
	logger   *zap.Logger
	breaker  *circuitbreaker.CircuitBreaker

	// Outcome draws the simulated gateway decision. Injectable for tests;
	// the default succeeds 90% of the time.
	Outcome func() bool
	// Delay models gateway processing time before the decision lands.
	Delay time.Duration
}

func NewSettlementWorker(db *sql.DB, producer sarama.SyncProducer, logger *zap.Logger) *SettlementWorker {
	return &SettlementWorker{
		db:       db,
		producer: producer,
		logger:   logger,
		breaker:  circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		Outcome:  func() bool { return rand.Float64() < 0.9 },
		Delay:    2 * time.Second,
	}
}

// Start blocks consuming the payment events topic.
func (w *SettlementWorker) Start(consumer sarama.Consumer) error {
	topic := getEnv("KAFKA_PAYMENT_TOPIC", TopicPaymentEvents)
	return consumeTopic(consumer, topic, w.logger, w.handleMessage)
}

func (w *SettlementWorker) handleMessage(message *sarama.ConsumerMessage) error {
	// Extract trace context from Kafka message headers
	propagator := otel.GetTextMapPropagator()
	carrier := consumerHeaderCarrier(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	ctx, span := otel.Tracer("marketplace-api").Start(ctx, "SettlePayment")
	defer span.End()

	var event models.PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.EventType != models.EventPaymentRequested {
		return nil
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.Int("payment.id", event.PaymentID),
		attribute.Int("order.id", event.OrderID),
	)

	return w.Settle(ctx, event.PaymentID)
}

// Settle applies the simulated gateway outcome to one payment. Re-delivery is
// harmless: the payment is settled only while still in processing, and a
// payment whose order was cancelled in the interim is left alone.
func (w *SettlementWorker) Settle(ctx context.Context, paymentID int) error {
	traceID := middleware.GetTraceID(ctx)

	var payment models.Payment
	err := w.db.QueryRowContext(ctx,
		"SELECT id, order_id, user_id, amount, status FROM payments WHERE id = $1",
		paymentID,
	).Scan(&payment.ID, &payment.OrderID, &payment.UserID, &payment.Amount, &payment.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Warn("Settlement requested for unknown payment",
				zap.String("trace_id", traceID),
				zap.Int("payment_id", paymentID),
			)
			return nil
		}
		return fmt.Errorf("failed to load payment: %w", err)
	}

	if payment.Status != models.PaymentStatusProcessing {
		w.logger.Info("Skipping settlement, payment no longer processing",
			zap.String("trace_id", traceID),
			zap.Int("payment_id", payment.ID),
			zap.String("status", string(payment.Status)),
		)
		return nil
	}

	var orderStatus models.OrderStatus
	err = w.db.QueryRowContext(ctx,
		"SELECT order_status FROM orders WHERE id = $1",
		payment.OrderID,
	).Scan(&orderStatus)
	if err != nil {
		return fmt.Errorf("failed to load order: %w", err)
	}

	if orderStatus == models.OrderStatusCancelled {
		w.logger.Info("Skipping settlement, order was cancelled",
			zap.String("trace_id", traceID),
			zap.Int("payment_id", payment.ID),
			zap.Int("order_id", payment.OrderID),
		)
		return nil
	}

	// Simulated gateway call behind the breaker.
	var success bool
	gatewayErr := w.breaker.Execute(ctx, func() error {
		if w.Delay > 0 {
			time.Sleep(w.Delay)
		}
		success = w.Outcome()
		return nil
	})
	if gatewayErr != nil {
		return fmt.Errorf("gateway call rejected: %w", gatewayErr)
	}

	if success {
		return w.applySuccess(ctx, payment)
	}
	return w.applyFailure(ctx, payment)
}

func (w *SettlementWorker) applySuccess(ctx context.Context, payment models.Payment) error {
	transactionID := pricing.GenerateTransactionID()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-read the order under lock: a cancellation racing the pre-checks has
	// already taken ownership of this payment.
	var orderStatus models.OrderStatus
	err = tx.QueryRowContext(ctx,
		"SELECT order_status FROM orders WHERE id = $1 FOR UPDATE",
		payment.OrderID,
	).Scan(&orderStatus)
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}
	if orderStatus == models.OrderStatusCancelled {
		w.logger.Info("Skipping settlement, order was cancelled",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("payment_id", payment.ID),
			zap.Int("order_id", payment.OrderID),
		)
		return nil
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, transaction_id = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4",
		models.PaymentStatusCompleted, transactionID, payment.ID, models.PaymentStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check settlement update: %w", err)
	}
	if n == 0 {
		// The payment left processing after the pre-checks; the order cascade
		// and the completion event must not fire.
		w.logger.Info("Skipping settlement, payment no longer processing",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("payment_id", payment.ID),
		)
		return nil
	}

	// A completed payment confirms a pending order; later statuses stand.
	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1,
			order_status = CASE WHEN order_status = $2 THEN $3 ELSE order_status END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $4`,
		models.PaymentStateCompleted, models.OrderStatusPending, models.OrderStatusConfirmed, payment.OrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}

	middleware.RecordPaymentProcessed(string(models.PaymentStatusCompleted))
	w.logger.Info("Payment completed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("payment_id", payment.ID),
		zap.Int("order_id", payment.OrderID),
		zap.String("transaction_id", transactionID),
	)

	event := models.PaymentEvent{
		EventType:     models.EventPaymentCompleted,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		UserID:        payment.UserID,
		Amount:        payment.Amount,
		Status:        models.PaymentStatusCompleted,
		TransactionID: transactionID,
	}
	if err := PublishEvent(ctx, w.producer, TopicOrderEvents, event, w.logger); err != nil {
		w.logger.Error("Failed to publish payment_completed event", zap.Error(err))
	}

	return nil
}

func (w *SettlementWorker) applyFailure(ctx context.Context, payment models.Payment) error {
	const failureReason = "Simulated payment failure"

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orderStatus models.OrderStatus
	err = tx.QueryRowContext(ctx,
		"SELECT order_status FROM orders WHERE id = $1 FOR UPDATE",
		payment.OrderID,
	).Scan(&orderStatus)
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}
	if orderStatus == models.OrderStatusCancelled {
		w.logger.Info("Skipping settlement, order was cancelled",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("payment_id", payment.ID),
			zap.Int("order_id", payment.OrderID),
		)
		return nil
	}

	result, err := tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, failure_reason = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3 AND status = $4",
		models.PaymentStatusFailed, failureReason, payment.ID, models.PaymentStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("failed to fail payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check settlement update: %w", err)
	}
	if n == 0 {
		w.logger.Info("Skipping settlement, payment no longer processing",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("payment_id", payment.ID),
		)
		return nil
	}

	// The order status is deliberately left where it is so payment can be
	// retried; only payment_status records the failure.
	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.PaymentStateFailed, payment.OrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark order payment failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}

	middleware.RecordPaymentProcessed(string(models.PaymentStatusFailed))
	w.logger.Info("Payment failed",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("payment_id", payment.ID),
		zap.Int("order_id", payment.OrderID),
	)

	event := models.PaymentEvent{
		EventType:     models.EventPaymentFailed,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		UserID:        payment.UserID,
		Amount:        payment.Amount,
		Status:        models.PaymentStatusFailed,
		FailureReason: failureReason,
	}
	if err := PublishEvent(ctx, w.producer, TopicOrderEvents, event, w.logger); err != nil {
		w.logger.Error("Failed to publish payment_failed event", zap.Error(err))
	}

	return nil
}
