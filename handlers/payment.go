package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"marketplace-api/kafka"
	"marketplace-api/middleware"
	"marketplace-api/models"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const paymentColumns = `id, order_id, user_id, payment_method, amount, currency, status,
	transaction_id, failure_reason, payment_details, refunded_amount, refunded_at, created_at, updated_at`

type PaymentHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewPaymentHandler(db *sql.DB, producer sarama.SyncProducer, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		db:       db,
		producer: producer,
		logger:   logger,
	}
}

func scanPayment(row interface{ Scan(...any) error }, p *models.Payment) error {
	var transactionID, failureReason sql.NullString
	var details []byte
	var refundedAt sql.NullTime
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.PaymentMethod, &p.Amount, &p.Currency,
		&p.Status, &transactionID, &failureReason, &details, &p.RefundedAmount, &refundedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	p.TransactionID = transactionID.String
	p.FailureReason = failureReason.String
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.PaymentDetails); err != nil {
			return fmt.Errorf("failed to decode payment details: %w", err)
		}
	}
	if refundedAt.Valid {
		p.RefundedAt = &refundedAt.Time
	}
	return nil
}

// ProcessPayment moves the order's payment to processing and hands settlement
// to the background worker via Kafka. The response does not wait for the
// settlement outcome.
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "ProcessPayment")
	defer span.End()

	var req models.ProcessPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int("order.id", req.OrderID))

	var orderUserID int
	var orderTotal float64
	var paymentMethod string
	var orderStatus models.OrderStatus
	err := h.db.QueryRowContext(ctx,
		"SELECT user_id, total, payment_method, order_status FROM orders WHERE id = $1",
		req.OrderID,
	).Scan(&orderUserID, &orderTotal, &paymentMethod, &orderStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	userID := middleware.UserID(c)
	if orderUserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Not authorized"})
		return
	}
	if orderStatus == models.OrderStatusCancelled {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Order has been cancelled"})
		return
	}

	// Masked gateway details (card last-four, PayPal email and the like) are
	// kept on the payment record for support lookups.
	var details []byte
	if req.PaymentDetails != nil {
		if details, err = json.Marshal(req.PaymentDetails); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid payment details"})
			return
		}
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	// One active payment per order: reuse the existing record if present.
	var payment models.Payment
	err = scanPayment(tx.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE",
		req.OrderID,
	), &payment)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = scanPayment(tx.QueryRowContext(ctx,
			`INSERT INTO payments (order_id, user_id, payment_method, amount, status, payment_details)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+paymentColumns,
			req.OrderID, userID, paymentMethod, orderTotal, models.PaymentStatusProcessing, details,
		), &payment)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to create payment", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	case err != nil:
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	default:
		if payment.Status == models.PaymentStatusCompleted || payment.Status == models.PaymentStatusRefunded {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Payment has already been completed"})
			return
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE payments SET status = $1, payment_details = COALESCE($2, payment_details), updated_at = CURRENT_TIMESTAMP WHERE id = $3",
			models.PaymentStatusProcessing, details, payment.ID,
		)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to update payment", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		payment.Status = models.PaymentStatusProcessing
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("payment.id", payment.ID))

	// The settlement worker picks this up; redelivery is safe because the
	// settle handler is idempotent keyed by payment id.
	event := models.PaymentEvent{
		EventType: models.EventPaymentRequested,
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		Amount:    payment.Amount,
		Status:    models.PaymentStatusProcessing,
	}
	if err := kafka.PublishEvent(ctx, h.producer, kafka.TopicPaymentEvents, event, h.logger); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to publish payment_requested event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	h.logger.Info("Payment processing started",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("payment_id", payment.ID),
		zap.Int("order_id", payment.OrderID),
	)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "Payment processing started",
		"paymentId": payment.ID,
		"status":    models.PaymentStatusProcessing,
	})
}

func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetPaymentStatus")
	defer span.End()

	paymentID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
		return
	}
	span.SetAttributes(attribute.Int("payment.id", paymentID))

	var payment models.Payment
	err = scanPayment(h.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", paymentID,
	), &payment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if payment.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Not authorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "payment": payment})
}

func (h *PaymentHandler) GetMyPayments(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetMyPayments")
	defer span.End()

	userID := middleware.UserID(c)

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var payment models.Payment
		if err := scanPayment(rows, &payment); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan payment", zap.Error(err))
			continue
		}
		payments = append(payments, payment)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(payments), "payments": payments})
}

// InitiateRefund refunds up to the remaining balance. Only a full refund
// flips the payment to refunded and cancels the order.
func (h *PaymentHandler) InitiateRefund(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "InitiateRefund")
	defer span.End()

	paymentID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
		return
	}
	span.SetAttributes(attribute.Int("payment.id", paymentID))

	var req models.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var payment models.Payment
	err = scanPayment(tx.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", paymentID,
	), &payment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Payment not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if !payment.IsRefundable() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Payment is not refundable"})
		return
	}

	// Clamp the request to the remaining refundable balance.
	maxRefundable := payment.Amount - payment.RefundedAmount
	refundAmount := req.RefundAmount
	if refundAmount <= 0 || refundAmount > maxRefundable {
		refundAmount = maxRefundable
	}

	payment.RefundedAmount += refundAmount
	fullyRefunded := payment.RefundedAmount >= payment.Amount

	newStatus := payment.Status
	if fullyRefunded {
		newStatus = models.PaymentStatusRefunded
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, refunded_amount = $2, refunded_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		newStatus, payment.RefundedAmount, payment.ID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to update payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if fullyRefunded {
		// A fully refunded order is cancelled and its stock restored, unless
		// it was cancelled already.
		var orderStatus models.OrderStatus
		err = tx.QueryRowContext(ctx,
			"SELECT order_status FROM orders WHERE id = $1 FOR UPDATE",
			payment.OrderID,
		).Scan(&orderStatus)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to get order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		if orderStatus != models.OrderStatusCancelled {
			_, err = tx.ExecContext(ctx,
				`UPDATE products SET stock = stock + oi.quantity, updated_at = CURRENT_TIMESTAMP
				FROM order_items oi
				WHERE oi.order_id = $1 AND products.id = oi.product_id`,
				payment.OrderID,
			)
			if err != nil {
				span.RecordError(err)
				h.logger.Error("Failed to restore stock", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
				return
			}
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET order_status = $1, payment_status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
			models.OrderStatusCancelled, models.PaymentStateRefunded, payment.OrderID,
		)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to update order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit refund", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	middleware.RecordRefund()

	if fullyRefunded {
		event := models.PaymentEvent{
			EventType: models.EventPaymentRefunded,
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Amount:    refundAmount,
			Status:    models.PaymentStatusRefunded,
		}
		if err := kafka.PublishEvent(ctx, h.producer, kafka.TopicOrderEvents, event, h.logger); err != nil {
			h.logger.Error("Failed to publish payment_refunded event", zap.Error(err))
		}
	}

	h.logger.Info("Refund initiated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("payment_id", payment.ID),
		zap.Float64("amount", refundAmount),
		zap.Bool("full", fullyRefunded),
	)
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         fmt.Sprintf("Refund of $%.2f initiated successfully", refundAmount),
		"refunded_amount": payment.RefundedAmount,
		"status":          newStatus,
	})
}

func (h *PaymentHandler) GetPaymentMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "methods": models.PaymentMethods()})
}
