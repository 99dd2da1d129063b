package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"marketplace-api/kafka"
	"marketplace-api/middleware"
	"marketplace-api/models"
	"marketplace-api/pricing"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const orderColumns = `id, order_number, user_id, shipping_address, billing_address, subtotal, tax,
	shipping_cost, total, currency, payment_method, payment_status, order_status, tracking_number,
	shipping_carrier, estimated_delivery, notes, is_gift, gift_message, created_at, updated_at`

type OrderHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewOrderHandler(db *sql.DB, producer sarama.SyncProducer, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		db:       db,
		producer: producer,
		logger:   logger,
	}
}

func scanOrder(row interface{ Scan(...any) error }, o *models.Order) error {
	var tracking, carrier, notes, giftMessage sql.NullString
	var estimated sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.ShippingAddress, &o.BillingAddress,
		&o.Subtotal, &o.Tax, &o.ShippingCost, &o.Total, &o.Currency, &o.PaymentMethod,
		&o.PaymentStatus, &o.OrderStatus, &tracking, &carrier, &estimated, &notes,
		&o.IsGift, &giftMessage, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return err
	}
	o.TrackingNumber = tracking.String
	o.ShippingCarrier = carrier.String
	o.Notes = notes.String
	o.GiftMessage = giftMessage.String
	if estimated.Valid {
		o.EstimatedDelivery = &estimated.Time
	}
	return nil
}

func (h *OrderHandler) loadOrderItems(ctx context.Context, orderID int) ([]models.OrderItem, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT id, product_id, name, sku, price, image_url, quantity FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.OrderItem{}
	for rows.Next() {
		var item models.OrderItem
		var imageURL sql.NullString
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Name, &item.SKU, &item.Price, &imageURL, &item.Quantity); err != nil {
			return nil, err
		}
		item.ImageURL = imageURL.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// CreateOrder converts the user's cart into an order. The stock check, stock
// decrement, order insert, payment insert and cart clearing all commit or
// roll back together.
func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if !models.ValidPaymentMethod(req.PaymentMethod) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid payment method"})
		return
	}

	// Billing defaults to the shipping address when not supplied.
	if req.ShippingAddress.Country == "" {
		req.ShippingAddress.Country = "USA"
	}
	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
		if billing.Country == "" {
			billing.Country = "USA"
		}
	}

	userID := middleware.UserID(c)
	span.SetAttributes(attribute.Int("user_id", userID))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	cartID, err := lockCart(ctx, tx, userID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Cart is empty"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to lock cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	type cartLine struct {
		productID int
		quantity  int
	}
	var lines []cartLine

	rows, err := tx.QueryContext(ctx,
		"SELECT product_id, quantity FROM cart_items WHERE cart_id = $1 ORDER BY id",
		cartID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load cart items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	for rows.Next() {
		var line cartLine
		if err := rows.Scan(&line.productID, &line.quantity); err != nil {
			rows.Close()
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		lines = append(lines, line)
	}
	rows.Close()

	if len(lines) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Cart is empty"})
		return
	}

	// Re-check live stock under row locks; cart prices are snapshots but
	// stock must reflect current state to avoid overselling.
	var orderItems []models.OrderItem
	for _, line := range lines {
		var item models.OrderItem
		var stock int
		err := tx.QueryRowContext(ctx,
			"SELECT name, sku, price, image_url, stock FROM products WHERE id = $1 FOR UPDATE",
			line.productID,
		).Scan(&item.Name, &item.SKU, &item.Price, &item.ImageURL, &stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "A product in your cart is no longer available"})
				return
			}
			span.RecordError(err)
			h.logger.Error("Failed to fetch product", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		if stock < line.quantity {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": fmt.Sprintf("Insufficient stock for %s. Only %d available.", item.Name, stock),
			})
			return
		}
		item.ProductID = line.productID
		item.Quantity = line.quantity
		orderItems = append(orderItems, item)
	}

	var priceLines []pricing.LineItem
	for _, item := range orderItems {
		priceLines = append(priceLines, pricing.LineItem{Price: item.Price, Quantity: item.Quantity})
	}
	totals := pricing.Calculate(priceLines)

	var order models.Order
	err = scanOrder(tx.QueryRowContext(ctx,
		`INSERT INTO orders (order_number, user_id, shipping_address, billing_address, subtotal, tax,
			shipping_cost, total, payment_method, payment_status, order_status, notes, is_gift, gift_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+orderColumns,
		pricing.GenerateOrderNumber(), userID, req.ShippingAddress, billing,
		totals.Subtotal, totals.Tax, totals.Shipping, totals.Total,
		req.PaymentMethod, models.PaymentStatePending, models.OrderStatusPending,
		req.Notes, req.IsGift, req.GiftMessage,
	), &order)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	for i := range orderItems {
		item := &orderItems[i]
		err = tx.QueryRowContext(ctx,
			`INSERT INTO order_items (order_id, product_id, name, sku, price, image_url, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			order.ID, item.ProductID, item.Name, item.SKU, item.Price, item.ImageURL, item.Quantity,
		).Scan(&item.ID)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to create order item", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE products SET stock = stock - $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
			item.Quantity, item.ProductID,
		)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to decrement stock", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	}

	var payment models.Payment
	err = tx.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, user_id, payment_method, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, order_id, user_id, payment_method, amount, currency, status, refunded_amount, created_at, updated_at`,
		order.ID, userID, req.PaymentMethod, order.Total, models.PaymentStatusPending,
	).Scan(&payment.ID, &payment.OrderID, &payment.UserID, &payment.PaymentMethod, &payment.Amount,
		&payment.Currency, &payment.Status, &payment.RefundedAmount, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	// Clear the originating cart.
	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to clear cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if err := recomputeTotals(ctx, tx, cartID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to recompute cart totals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit checkout", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	order.Items = orderItems
	span.SetAttributes(attribute.Int("order.id", order.ID))
	middleware.RecordOrderCreated()

	event := models.OrderEvent{
		EventType:   models.EventOrderCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Total:       order.Total,
		Status:      order.OrderStatus,
	}
	if err := kafka.PublishEvent(ctx, h.producer, kafka.TopicOrderEvents, event, h.logger); err != nil {
		// The order is committed; a missed event only delays notification.
		h.logger.Error("Failed to publish order_created event", zap.Error(err))
	}

	h.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
	)
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "Order created successfully",
		"order":   order,
		"payment": payment,
	})
}

func (h *OrderHandler) GetMyOrders(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetMyOrders")
	defer span.End()

	userID := middleware.UserID(c)

	rows, err := h.db.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}

	for i := range orders {
		items, err := h.loadOrderItems(ctx, orders[i].ID)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to load order items", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		orders[i].Items = items
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(orders), "orders": orders})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Order not found"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var order models.Order
	err = scanOrder(h.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID,
	), &order)
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

	if order.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Not authorized"})
		return
	}

	order.Items, err = h.loadOrderItems(ctx, order.ID)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

// CancelOrder lets the owner cancel an order that has not shipped. The linked
// payment is cancelled and stock restored in the same transaction.
func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "CancelOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Order not found"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.QueryRowContext(ctx,
		"SELECT id, order_number, user_id, order_status FROM orders WHERE id = $1 FOR UPDATE",
		orderID,
	).Scan(&order.ID, &order.OrderNumber, &order.UserID, &order.OrderStatus)
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

	if order.UserID != middleware.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Not authorized"})
		return
	}

	if !order.IsCancellable() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Order cannot be cancelled at this stage"})
		return
	}

	if err := cancelOrderTx(ctx, tx, order.ID); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to cancel order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit cancellation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	middleware.RecordOrderCancelled()

	event := models.OrderEvent{
		EventType:   models.EventOrderCancelled,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      models.OrderStatusCancelled,
	}
	if err := kafka.PublishEvent(ctx, h.producer, kafka.TopicOrderEvents, event, h.logger); err != nil {
		h.logger.Error("Failed to publish order_cancelled event", zap.Error(err))
	}

	h.logger.Info("Order cancelled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", order.ID),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Order cancelled successfully"})
}

// cancelOrderTx applies the cancellation cascade: status, linked payment, and
// the exact inverse of checkout's stock decrement.
func cancelOrderTx(ctx context.Context, tx *sql.Tx, orderID int) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET order_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
		models.OrderStatusCancelled, orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE payments SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE order_id = $2",
		models.PaymentStatusCancelled, orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel payment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE products SET stock = stock + oi.quantity, updated_at = CURRENT_TIMESTAMP
		FROM order_items oi
		WHERE oi.order_id = $1 AND products.id = oi.product_id`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to restore stock: %w", err)
	}

	return nil
}

// GetAllOrders is the admin listing: paginated, filterable by status and
// created-at date range.
func (h *OrderHandler) GetAllOrders(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetAllOrders")
	defer span.End()

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}

	where := ""
	args := []any{}
	argPos := 1

	if status := c.Query("status"); status != "" {
		if !models.ValidOrderStatus(models.OrderStatus(status)) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid order status"})
			return
		}
		where += " AND order_status = $" + strconv.Itoa(argPos)
		args = append(args, status)
		argPos++
	}
	if startDate := c.Query("startDate"); startDate != "" {
		t, err := time.Parse(time.RFC3339, startDate)
		if err != nil {
			if t, err = time.Parse("2006-01-02", startDate); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid startDate"})
				return
			}
		}
		where += " AND created_at >= $" + strconv.Itoa(argPos)
		args = append(args, t)
		argPos++
	}
	if endDate := c.Query("endDate"); endDate != "" {
		t, err := time.Parse(time.RFC3339, endDate)
		if err != nil {
			if t, err = time.Parse("2006-01-02", endDate); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid endDate"})
				return
			}
		}
		where += " AND created_at <= $" + strconv.Itoa(argPos)
		args = append(args, t)
		argPos++
	}

	sortOrder := "DESC"
	if c.Query("sortOrder") == "asc" {
		sortOrder = "ASC"
	}

	var total int
	err = h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders WHERE 1=1"+where, args...).Scan(&total)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to count orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1" + where +
		" ORDER BY created_at " + sortOrder +
		" LIMIT $" + strconv.Itoa(argPos) + " OFFSET $" + strconv.Itoa(argPos+1)
	args = append(args, limit, (page-1)*limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}

	totalPages := (total + limit - 1) / limit
	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"count":       len(orders),
		"total":       total,
		"totalPages":  totalPages,
		"currentPage": page,
		"orders":      orders,
	})
}

// UpdateOrderStatus is the admin transition: advance the status and attach
// tracking metadata. Cancelling through this path runs the same cascade as a
// user cancellation.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Order not found"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if req.Status != "" && !models.ValidOrderStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid order status"})
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

	var current models.OrderStatus
	err = tx.QueryRowContext(ctx,
		"SELECT order_status FROM orders WHERE id = $1 FOR UPDATE",
		orderID,
	).Scan(&current)
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

	cancelling := req.Status == models.OrderStatusCancelled && current != models.OrderStatusCancelled

	if cancelling {
		if err := cancelOrderTx(ctx, tx, orderID); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to cancel order", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	} else if req.Status != "" {
		_, err = tx.ExecContext(ctx,
			"UPDATE orders SET order_status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2",
			req.Status, orderID,
		)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to update order status", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	}

	if req.TrackingNumber != "" || req.ShippingCarrier != "" || req.EstimatedDelivery != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET
				tracking_number = COALESCE(NULLIF($1, ''), tracking_number),
				shipping_carrier = COALESCE(NULLIF($2, ''), shipping_carrier),
				estimated_delivery = COALESCE($3, estimated_delivery),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = $4`,
			req.TrackingNumber, req.ShippingCarrier, req.EstimatedDelivery, orderID,
		)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to update tracking info", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
	}

	var order models.Order
	err = scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID,
	), &order)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to reload order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit status update", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if cancelling {
		middleware.RecordOrderCancelled()
		event := models.OrderEvent{
			EventType:   models.EventOrderCancelled,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			Status:      models.OrderStatusCancelled,
		}
		if err := kafka.PublishEvent(ctx, h.producer, kafka.TopicOrderEvents, event, h.logger); err != nil {
			h.logger.Error("Failed to publish order_cancelled event", zap.Error(err))
		}
	}

	h.logger.Info("Order status updated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", orderID),
		zap.String("status", string(order.OrderStatus)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Order status updated", "order": order})
}
