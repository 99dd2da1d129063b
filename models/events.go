package models

// Event types published to Kafka.
const (
	EventOrderCreated     = "order_created"
	EventOrderCancelled   = "order_cancelled"
	EventPaymentRequested = "payment_requested"
	EventPaymentCompleted = "payment_completed"
	EventPaymentFailed    = "payment_failed"
	EventPaymentRefunded  = "payment_refunded"
)

type OrderEvent struct {
	EventType   string      `json:"event_type"`
	OrderID     int         `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      int         `json:"user_id"`
	Total       float64     `json:"total"`
	Status      OrderStatus `json:"status"`
}

type PaymentEvent struct {
	EventType     string        `json:"event_type"`
	PaymentID     int           `json:"payment_id"`
	OrderID       int           `json:"order_id"`
	UserID        int           `json:"user_id"`
	Amount        float64       `json:"amount"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}
