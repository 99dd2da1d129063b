package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

type PaymentState string

const (
	PaymentStatePending    PaymentState = "pending"
	PaymentStateProcessing PaymentState = "processing"
	PaymentStateCompleted  PaymentState = "completed"
	PaymentStateFailed     PaymentState = "failed"
	PaymentStateRefunded   PaymentState = "refunded"
)

// Address is a shipping or billing destination captured at checkout. Stored
// as a JSON document on the order row.
type Address struct {
	FirstName string `json:"first_name" binding:"required"`
	LastName  string `json:"last_name" binding:"required"`
	Street    string `json:"street" binding:"required"`
	City      string `json:"city" binding:"required"`
	State     string `json:"state" binding:"required"`
	ZipCode   string `json:"zip_code" binding:"required"`
	Country   string `json:"country"`
}

func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *Address) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	}
	return fmt.Errorf("unsupported address source type %T", src)
}

// OrderItem is a fixed snapshot taken from the cart at checkout.
type OrderItem struct {
	ID        int     `json:"id"`
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku"`
	Price     float64 `json:"price"`
	ImageURL  string  `json:"image_url"`
	Quantity  int     `json:"quantity"`
}

type Order struct {
	ID                int          `json:"id"`
	OrderNumber       string       `json:"order_number"`
	UserID            int          `json:"user_id"`
	Items             []OrderItem  `json:"items"`
	ShippingAddress   Address      `json:"shipping_address"`
	BillingAddress    Address      `json:"billing_address"`
	Subtotal          float64      `json:"subtotal"`
	Tax               float64      `json:"tax"`
	ShippingCost      float64      `json:"shipping_cost"`
	Total             float64      `json:"total"`
	Currency          string       `json:"currency"`
	PaymentMethod     string       `json:"payment_method"`
	PaymentStatus     PaymentState `json:"payment_status"`
	OrderStatus       OrderStatus  `json:"order_status"`
	TrackingNumber    string       `json:"tracking_number,omitempty"`
	ShippingCarrier   string       `json:"shipping_carrier,omitempty"`
	EstimatedDelivery *time.Time   `json:"estimated_delivery,omitempty"`
	Notes             string       `json:"notes,omitempty"`
	IsGift            bool         `json:"is_gift"`
	GiftMessage       string       `json:"gift_message,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// IsCancellable reports whether a user may still cancel the order. Orders
// already shipped, delivered or cancelled cannot be cancelled.
func (o *Order) IsCancellable() bool {
	return IsCancellable(o.OrderStatus)
}

func IsCancellable(status OrderStatus) bool {
	switch status {
	case OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return false
	}
	return true
}

type CreateOrderRequest struct {
	ShippingAddress Address  `json:"shipping_address" binding:"required"`
	BillingAddress  *Address `json:"billing_address"`
	PaymentMethod   string   `json:"payment_method" binding:"required"`
	Notes           string   `json:"notes"`
	IsGift          bool     `json:"is_gift"`
	GiftMessage     string   `json:"gift_message"`
}

type UpdateOrderStatusRequest struct {
	Status            OrderStatus `json:"status"`
	TrackingNumber    string      `json:"tracking_number"`
	ShippingCarrier   string      `json:"shipping_carrier"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery"`
}
