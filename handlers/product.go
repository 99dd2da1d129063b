package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-api/cache"
	"marketplace-api/circuitbreaker"
	"marketplace-api/models"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const productColumns = "id, name, description, price, category, image_url, stock, sku, rating_average, rating_count, featured, created_at, updated_at"

type ProductHandler struct {
	db             *sql.DB
	redisClient    *redis.Client
	logger         *zap.Logger
	circuitBreaker *circuitbreaker.CircuitBreaker
}

func NewProductHandler(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
	}
}

func scanProduct(row interface{ Scan(...any) error }, p *models.Product) error {
	return row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.ImageURL,
		&p.Stock, &p.SKU, &p.RatingAverage, &p.RatingCount, &p.Featured, &p.CreatedAt, &p.UpdatedAt)
}

func (h *ProductHandler) GetProducts(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetProducts")
	defer span.End()

	query := "SELECT " + productColumns + " FROM products"
	args := []any{}

	if category := c.Query("category"); category != "" {
		if !models.ValidCategory(models.ProductCategory(category)) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid category"})
			return
		}
		query += " WHERE category = $1"
		args = append(args, category)
	}
	query += " ORDER BY id"

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := scanProduct(rows, &p); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan product", zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	span.SetAttributes(attribute.Int("products.count", len(products)))
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(products), "products": products})
}

func (h *ProductHandler) GetProduct(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "GetProduct")
	defer span.End()

	id := c.Param("id")
	if _, err := strconv.Atoi(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
		return
	}
	span.SetAttributes(attribute.String("product.id", id))

	// Try to get from cache first
	if h.redisClient != nil {
		cachedData, err := cache.GetProduct(ctx, h.redisClient, id)
		if err == nil {
			var product models.Product
			if err := json.Unmarshal(cachedData, &product); err == nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				c.JSON(http.StatusOK, gin.H{"success": true, "product": product})
				return
			}
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	// Get from database with circuit breaker
	var product models.Product
	dbErr := h.circuitBreaker.Execute(ctx, func() error {
		return scanProduct(h.db.QueryRowContext(ctx,
			"SELECT "+productColumns+" FROM products WHERE id = $1", id,
		), &product)
	})
	if dbErr != nil {
		if errors.Is(dbErr, circuitbreaker.ErrCircuitOpen) {
			span.SetAttributes(attribute.String("circuit.state", "open"))
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "Service temporarily unavailable"})
			return
		}
		if errors.Is(dbErr, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
			return
		}
		span.RecordError(dbErr)
		h.logger.Error("Failed to fetch product", zap.Error(dbErr))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if h.redisClient != nil {
		cache.SetProduct(ctx, h.redisClient, id, product)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "product": product})
}

func (h *ProductHandler) CreateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "CreateProduct")
	defer span.End()

	var req models.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if !models.ValidCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid category"})
		return
	}

	var product models.Product
	err := scanProduct(h.db.QueryRowContext(ctx,
		`INSERT INTO products (name, description, price, category, image_url, stock, sku, featured)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+productColumns,
		req.Name, req.Description, req.Price, req.Category, req.ImageURL, req.Stock, req.SKU, req.Featured,
	), &product)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("product.id", product.ID))
	h.logger.Info("Product created", zap.Int("product_id", product.ID))
	c.JSON(http.StatusCreated, gin.H{"success": true, "product": product})
}

func (h *ProductHandler) UpdateProduct(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "UpdateProduct")
	defer span.End()

	id := c.Param("id")
	if _, err := strconv.Atoi(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
		return
	}
	span.SetAttributes(attribute.String("product.id", id))

	var req models.UpdateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	// Build update query dynamically
	query := "UPDATE products SET updated_at = CURRENT_TIMESTAMP"
	args := []interface{}{}
	argPos := 1

	if req.Name != "" {
		query += ", name = $" + strconv.Itoa(argPos)
		args = append(args, req.Name)
		argPos++
	}
	if req.Description != "" {
		query += ", description = $" + strconv.Itoa(argPos)
		args = append(args, req.Description)
		argPos++
	}
	if req.Price > 0 {
		query += ", price = $" + strconv.Itoa(argPos)
		args = append(args, req.Price)
		argPos++
	}
	if req.Category != "" {
		if !models.ValidCategory(req.Category) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid category"})
			return
		}
		query += ", category = $" + strconv.Itoa(argPos)
		args = append(args, req.Category)
		argPos++
	}
	if req.ImageURL != "" {
		query += ", image_url = $" + strconv.Itoa(argPos)
		args = append(args, req.ImageURL)
		argPos++
	}
	if req.Stock != nil {
		query += ", stock = $" + strconv.Itoa(argPos)
		args = append(args, *req.Stock)
		argPos++
	}
	if req.Featured != nil {
		query += ", featured = $" + strconv.Itoa(argPos)
		args = append(args, *req.Featured)
		argPos++
	}

	query += " WHERE id = $" + strconv.Itoa(argPos) + " RETURNING " + productColumns
	args = append(args, id)

	var product models.Product
	err := scanProduct(h.db.QueryRowContext(ctx, query, args...), &product)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to update product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	// Invalidate cache
	if h.redisClient != nil {
		cache.DeleteProduct(ctx, h.redisClient, id)
	}

	h.logger.Info("Product updated", zap.String("product_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "product": product})
}

func (h *ProductHandler) DeleteProduct(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-api").Start(c.Request.Context(), "DeleteProduct")
	defer span.End()

	id := c.Param("id")
	if _, err := strconv.Atoi(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
		return
	}
	span.SetAttributes(attribute.String("product.id", id))

	result, err := h.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to delete product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Product not found"})
		return
	}

	if h.redisClient != nil {
		cache.DeleteProduct(ctx, h.redisClient, id)
	}

	h.logger.Info("Product deleted", zap.String("product_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Product deleted successfully"})
}
