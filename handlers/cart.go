package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"marketplace-api/middleware"
	"marketplace-api/models"
	"marketplace-api/pricing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CartHandler struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCartHandler(db *sql.DB, logger *zap.Logger) *CartHandler {
	return &CartHandler{
		db:     db,
		logger: logger,
	}
}

// lockCart returns the id of the user's cart, creating it lazily. The row is
// locked for the duration of the transaction so concurrent mutations for the
// same user serialize instead of losing updates.
func lockCart(ctx context.Context, tx *sql.Tx, userID int, create bool) (int, error) {
	var cartID int
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM carts WHERE user_id = $1 FOR UPDATE",
		userID,
	).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		if !create {
			return 0, err
		}
		// Two first-ever adds can race here; a missing row cannot be locked,
		// so DO NOTHING lets the loser fall through and lock the winner's row.
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING",
			userID,
		); err != nil {
			return 0, fmt.Errorf("failed to create cart: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM carts WHERE user_id = $1 FOR UPDATE",
			userID,
		).Scan(&cartID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cart: %w", err)
	}
	return cartID, nil
}

// recomputeTotals re-derives all cart totals from the current item list
// inside the same transaction as the mutation that invalidated them.
func recomputeTotals(ctx context.Context, tx *sql.Tx, cartID int) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT price, quantity FROM cart_items WHERE cart_id = $1",
		cartID,
	)
	if err != nil {
		return fmt.Errorf("failed to load cart items: %w", err)
	}
	defer rows.Close()

	var items []pricing.LineItem
	for rows.Next() {
		var item pricing.LineItem
		if err := rows.Scan(&item.Price, &item.Quantity); err != nil {
			return fmt.Errorf("failed to scan cart item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	totals := pricing.Calculate(items)

	_, err = tx.ExecContext(ctx,
		`UPDATE carts SET total_items = $1, subtotal = $2, tax = $3, shipping = $4, total = $5,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $6`,
		totals.TotalItems, totals.Subtotal, totals.Tax, totals.Shipping, totals.Total, cartID,
	)
	if err != nil {
		return fmt.Errorf("failed to update cart totals: %w", err)
	}
	return nil
}

func (h *CartHandler) loadCart(ctx context.Context, userID int) (models.Cart, error) {
	cart := models.Cart{UserID: userID, Items: []models.CartItem{}, Currency: "USD"}

	err := h.db.QueryRowContext(ctx,
		"SELECT id, user_id, total_items, subtotal, tax, shipping, total, currency, updated_at FROM carts WHERE user_id = $1",
		userID,
	).Scan(&cart.ID, &cart.UserID, &cart.TotalItems, &cart.Subtotal, &cart.Tax, &cart.Shipping, &cart.Total, &cart.Currency, &cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// A cart that was never written to is presented as empty.
			return cart, nil
		}
		return cart, err
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT id, product_id, name, price, image_url, quantity, selected FROM cart_items WHERE cart_id = $1 ORDER BY id",
		cart.ID,
	)
	if err != nil {
		return cart, err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Name, &item.Price, &item.ImageURL, &item.Quantity, &item.Selected); err != nil {
			return cart, err
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, rows.Err()
}

func (h *CartHandler) respondWithCart(c *gin.Context, ctx context.Context, status int) {
	cart, err := h.loadCart(ctx, middleware.UserID(c))
	if err != nil {
		h.logger.Error("Failed to load cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"success": true, "cart": cart})
}

func (h *CartHandler) GetCart(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetCart")
	defer span.End()

	h.respondWithCart(c, ctx, http.StatusOK)
}

func (h *CartHandler) AddItem(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "AddCartItem")
	defer span.End()

	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if req.Quantity < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Quantity must be at least 1"})
		return
	}

	userID := middleware.UserID(c)
	span.SetAttributes(
		attribute.Int("user_id", userID),
		attribute.Int("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	// Snapshot the product's current name, price and image into the line item.
	var name, imageURL string
	var price float64
	err = tx.QueryRowContext(ctx,
		"SELECT name, price, image_url FROM products WHERE id = $1",
		req.ProductID,
	).Scan(&name, &price, &imageURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to fetch product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	cartID, err := lockCart(ctx, tx, userID, true)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to lock cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	// Same product twice increments quantity instead of adding a second line.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, name, price, image_url, quantity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		cartID, req.ProductID, name, price, imageURL, req.Quantity,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to add cart item", zap.Error(err))
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
		h.logger.Error("Failed to commit cart mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	h.logger.Info("Item added to cart",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("user_id", userID),
		zap.Int("product_id", req.ProductID),
	)
	h.respondWithCart(c, ctx, http.StatusOK)
}

// mutateItem runs fn against the user's locked cart, recomputes totals and
// responds with the updated cart. fn reports whether the item was found.
func (h *CartHandler) mutateItem(c *gin.Context, ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx, cartID int) (bool, error)) {
	userID := middleware.UserID(c)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	cartID, err := lockCart(ctx, tx, userID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Cart item not found"})
			return
		}
		h.logger.Error("Failed to lock cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	found, err := fn(ctx, tx, cartID)
	if err != nil {
		h.logger.Error("Cart mutation failed", zap.String("op", spanName), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Cart item not found"})
		return
	}

	if err := recomputeTotals(ctx, tx, cartID); err != nil {
		h.logger.Error("Failed to recompute cart totals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit cart mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	h.respondWithCart(c, ctx, http.StatusOK)
}

func (h *CartHandler) UpdateItem(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "UpdateCartItem")
	defer span.End()

	itemID, err := strconv.Atoi(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Cart item not found"})
		return
	}

	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	span.SetAttributes(attribute.Int("item_id", itemID), attribute.Int("quantity", req.Quantity))

	h.mutateItem(c, ctx, "UpdateCartItem", func(ctx context.Context, tx *sql.Tx, cartID int) (bool, error) {
		// Quantity zero removes the line item.
		if req.Quantity == 0 {
			result, err := tx.ExecContext(ctx,
				"DELETE FROM cart_items WHERE id = $1 AND cart_id = $2",
				itemID, cartID,
			)
			if err != nil {
				return false, err
			}
			n, _ := result.RowsAffected()
			return n > 0, nil
		}

		result, err := tx.ExecContext(ctx,
			"UPDATE cart_items SET quantity = $1 WHERE id = $2 AND cart_id = $3",
			req.Quantity, itemID, cartID,
		)
		if err != nil {
			return false, err
		}
		n, _ := result.RowsAffected()
		return n > 0, nil
	})
}

func (h *CartHandler) ToggleItem(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "ToggleCartItem")
	defer span.End()

	itemID, err := strconv.Atoi(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Cart item not found"})
		return
	}
	span.SetAttributes(attribute.Int("item_id", itemID))

	h.mutateItem(c, ctx, "ToggleCartItem", func(ctx context.Context, tx *sql.Tx, cartID int) (bool, error) {
		result, err := tx.ExecContext(ctx,
			"UPDATE cart_items SET selected = NOT selected WHERE id = $1 AND cart_id = $2",
			itemID, cartID,
		)
		if err != nil {
			return false, err
		}
		n, _ := result.RowsAffected()
		return n > 0, nil
	})
}

func (h *CartHandler) RemoveItem(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "RemoveCartItem")
	defer span.End()

	itemID, err := strconv.Atoi(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Cart item not found"})
		return
	}
	span.SetAttributes(attribute.Int("item_id", itemID))

	h.mutateItem(c, ctx, "RemoveCartItem", func(ctx context.Context, tx *sql.Tx, cartID int) (bool, error) {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM cart_items WHERE id = $1 AND cart_id = $2",
			itemID, cartID,
		)
		if err != nil {
			return false, err
		}
		n, _ := result.RowsAffected()
		return n > 0, nil
	})
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "ClearCart")
	defer span.End()

	userID := middleware.UserID(c)
	span.SetAttributes(attribute.Int("user_id", userID))

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer tx.Rollback()

	cartID, err := lockCart(ctx, tx, userID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing to clear.
			h.respondWithCart(c, ctx, http.StatusOK)
			return
		}
		h.logger.Error("Failed to lock cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID); err != nil {
		h.logger.Error("Failed to clear cart", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := recomputeTotals(ctx, tx, cartID); err != nil {
		h.logger.Error("Failed to recompute cart totals", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("Failed to commit cart mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	h.logger.Info("Cart cleared",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("user_id", userID),
	)
	h.respondWithCart(c, ctx, http.StatusOK)
}
