package pricing

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Pricing rules shared by cart recomputation and checkout. The two must agree
// exactly: the order is presented as the authoritative checkout summary.
const (
	TaxRate               = 0.085
	FreeShippingThreshold = 50.0
	FlatShippingCost      = 5.99
)

// LineItem is the minimal shape the totals calculation needs.
type LineItem struct {
	Price    float64
	Quantity int
}

type Totals struct {
	TotalItems int
	Subtotal   float64
	Tax        float64
	Shipping   float64
	Total      float64
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func CalculateTax(subtotal float64) float64 {
	return Round2(subtotal * TaxRate)
}

func CalculateShipping(subtotal float64) float64 {
	if subtotal >= FreeShippingThreshold {
		return 0
	}
	return FlatShippingCost
}

// Calculate derives all totals from the item list. It is side-effect-free and
// idempotent: given the same items it always yields the same result, an empty
// list yields all zeros.
func Calculate(items []LineItem) Totals {
	var t Totals
	for _, item := range items {
		t.TotalItems += item.Quantity
		t.Subtotal += item.Price * float64(item.Quantity)
	}
	t.Subtotal = Round2(t.Subtotal)
	if t.TotalItems == 0 {
		return t
	}
	t.Tax = CalculateTax(t.Subtotal)
	t.Shipping = CalculateShipping(t.Subtotal)
	t.Total = Round2(t.Subtotal + t.Tax + t.Shipping)
	return t
}

// GenerateOrderNumber returns a human-readable order number. Uniqueness is
// probabilistic; the orders table carries a UNIQUE constraint as the backstop.
func GenerateOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%d", time.Now().UnixMilli(), rand.Intn(1000))
}

// GenerateTransactionID returns a settlement transaction reference, assigned
// only when a payment completes.
func GenerateTransactionID() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var sb strings.Builder
	for i := 0; i < 9; i++ {
		sb.WriteByte(charset[rand.Intn(len(charset))])
	}
	return fmt.Sprintf("TXN-%d-%s", time.Now().UnixMilli(), sb.String())
}
