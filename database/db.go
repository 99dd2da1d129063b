package database

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "marketplacedb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logger.Info("Database connection established")
	return db, nil
}

func createTables(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			role VARCHAR(20) NOT NULL DEFAULT 'user',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			price NUMERIC(12,2) NOT NULL CHECK (price >= 0),
			category VARCHAR(50) NOT NULL,
			image_url TEXT NOT NULL,
			stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
			sku VARCHAR(100) UNIQUE NOT NULL,
			rating_average NUMERIC(3,2) NOT NULL DEFAULT 0,
			rating_count INTEGER NOT NULL DEFAULT 0,
			featured BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS carts (
			id SERIAL PRIMARY KEY,
			user_id INTEGER UNIQUE NOT NULL REFERENCES users(id),
			total_items INTEGER NOT NULL DEFAULT 0,
			subtotal NUMERIC(12,2) NOT NULL DEFAULT 0,
			tax NUMERIC(12,2) NOT NULL DEFAULT 0,
			shipping NUMERIC(12,2) NOT NULL DEFAULT 0,
			total NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(3) NOT NULL DEFAULT 'USD',
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS cart_items (
			id SERIAL PRIMARY KEY,
			cart_id INTEGER NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
			product_id INTEGER NOT NULL REFERENCES products(id),
			name VARCHAR(255) NOT NULL,
			price NUMERIC(12,2) NOT NULL,
			image_url TEXT,
			quantity INTEGER NOT NULL CHECK (quantity >= 1),
			selected BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (cart_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			order_number VARCHAR(64) UNIQUE NOT NULL,
			user_id INTEGER NOT NULL REFERENCES users(id),
			shipping_address JSONB NOT NULL,
			billing_address JSONB NOT NULL,
			subtotal NUMERIC(12,2) NOT NULL,
			tax NUMERIC(12,2) NOT NULL,
			shipping_cost NUMERIC(12,2) NOT NULL,
			total NUMERIC(12,2) NOT NULL,
			currency VARCHAR(3) NOT NULL DEFAULT 'USD',
			payment_method VARCHAR(50) NOT NULL,
			payment_status VARCHAR(20) NOT NULL DEFAULT 'pending',
			order_status VARCHAR(20) NOT NULL DEFAULT 'pending',
			tracking_number VARCHAR(100),
			shipping_carrier VARCHAR(50),
			estimated_delivery TIMESTAMP,
			notes TEXT,
			is_gift BOOLEAN NOT NULL DEFAULT FALSE,
			gift_message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id INTEGER NOT NULL REFERENCES products(id),
			name VARCHAR(255) NOT NULL,
			sku VARCHAR(100) NOT NULL,
			price NUMERIC(12,2) NOT NULL,
			image_url TEXT,
			quantity INTEGER NOT NULL CHECK (quantity >= 1)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			user_id INTEGER NOT NULL REFERENCES users(id),
			payment_method VARCHAR(50) NOT NULL,
			amount NUMERIC(12,2) NOT NULL CHECK (amount >= 0),
			currency VARCHAR(3) NOT NULL DEFAULT 'USD',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			transaction_id VARCHAR(64) UNIQUE,
			failure_reason TEXT,
			payment_details JSONB,
			refunded_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
			refunded_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (order_status)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_created ON payments (user_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
