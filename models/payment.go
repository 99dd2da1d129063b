package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type Payment struct {
	ID             int            `json:"id"`
	OrderID        int            `json:"order_id"`
	UserID         int            `json:"user_id"`
	PaymentMethod  string         `json:"payment_method"`
	Amount         float64        `json:"amount"`
	Currency       string         `json:"currency"`
	Status         PaymentStatus  `json:"status"`
	TransactionID  string         `json:"transaction_id,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	PaymentDetails map[string]any `json:"payment_details,omitempty"`
	RefundedAmount float64        `json:"refunded_amount"`
	RefundedAt     *time.Time     `json:"refunded_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsRefundable reports whether any balance remains to refund. Only completed
// payments can be refunded.
func (p *Payment) IsRefundable() bool {
	return p.Status == PaymentStatusCompleted && p.RefundedAmount < p.Amount
}

type ProcessPaymentRequest struct {
	OrderID        int            `json:"order_id" binding:"required"`
	PaymentDetails map[string]any `json:"payment_details"`
}

type RefundRequest struct {
	RefundAmount float64 `json:"refund_amount"`
	Reason       string  `json:"reason"`
}

type PaymentMethodDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

func PaymentMethods() []PaymentMethodDescriptor {
	return []PaymentMethodDescriptor{
		{ID: "credit_card", Name: "Credit Card", Description: "Pay with Visa, MasterCard, or American Express", Enabled: true},
		{ID: "debit_card", Name: "Debit Card", Description: "Pay with your debit card", Enabled: true},
		{ID: "paypal", Name: "PayPal", Description: "Pay with your PayPal account", Enabled: true},
		{ID: "bank_transfer", Name: "Bank Transfer", Description: "Direct bank transfer", Enabled: true},
		{ID: "cash_on_delivery", Name: "Cash on Delivery", Description: "Pay when you receive your order", Enabled: true},
	}
}

func ValidPaymentMethod(method string) bool {
	for _, m := range PaymentMethods() {
		if m.ID == method && m.Enabled {
			return true
		}
	}
	return false
}
