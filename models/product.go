package models

import "time"

type ProductCategory string

const (
	CategoryElectronics ProductCategory = "electronics"
	CategoryAutomotive  ProductCategory = "automotive"
	CategoryHome        ProductCategory = "home"
	CategoryFashion     ProductCategory = "fashion"
	CategorySports      ProductCategory = "sports"
)

func ValidCategory(c ProductCategory) bool {
	switch c {
	case CategoryElectronics, CategoryAutomotive, CategoryHome, CategoryFashion, CategorySports:
		return true
	}
	return false
}

type Product struct {
	ID            int             `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         float64         `json:"price"`
	Category      ProductCategory `json:"category"`
	ImageURL      string          `json:"image_url"`
	Stock         int             `json:"stock"`
	SKU           string          `json:"sku"`
	RatingAverage float64         `json:"rating_average"`
	RatingCount   int             `json:"rating_count"`
	Featured      bool            `json:"featured"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type CreateProductRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description" binding:"required"`
	Price       float64         `json:"price" binding:"required,gte=0"`
	Category    ProductCategory `json:"category" binding:"required"`
	ImageURL    string          `json:"image_url" binding:"required"`
	Stock       int             `json:"stock" binding:"gte=0"`
	SKU         string          `json:"sku" binding:"required"`
	Featured    bool            `json:"featured"`
}

type UpdateProductRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       float64         `json:"price"`
	Category    ProductCategory `json:"category"`
	ImageURL    string          `json:"image_url"`
	Stock       *int            `json:"stock"`
	Featured    *bool           `json:"featured"`
}
