package models

import "time"

// CartItem snapshots product name, price and image at the time the item was
// added. Only Quantity and Selected change afterwards.
type CartItem struct {
	ID        int     `json:"id"`
	ProductID int     `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	ImageURL  string  `json:"image_url"`
	Quantity  int     `json:"quantity"`
	Selected  bool    `json:"selected"`
}

// Cart holds at most one active cart per user. Derived totals are recomputed
// from the item list on every mutation, never set directly.
type Cart struct {
	ID         int        `json:"id"`
	UserID     int        `json:"user_id"`
	Items      []CartItem `json:"items"`
	TotalItems int        `json:"total_items"`
	Subtotal   float64    `json:"subtotal"`
	Tax        float64    `json:"tax"`
	Shipping   float64    `json:"shipping"`
	Total      float64    `json:"total"`
	Currency   string     `json:"currency"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type AddCartItemRequest struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"required,gte=1"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity" binding:"gte=0"`
}
