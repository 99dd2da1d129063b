package models

import "testing"

func TestIsCancellable(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusPending, true},
		{OrderStatusConfirmed, true},
		{OrderStatusProcessing, true},
		{OrderStatusShipped, false},
		{OrderStatusDelivered, false},
		{OrderStatusCancelled, false},
	}

	for _, tt := range tests {
		if got := IsCancellable(tt.status); got != tt.want {
			t.Errorf("IsCancellable(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestValidOrderStatus(t *testing.T) {
	for _, s := range []OrderStatus{
		OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled,
	} {
		if !ValidOrderStatus(s) {
			t.Errorf("ValidOrderStatus(%q) = false, want true", s)
		}
	}

	if ValidOrderStatus("returned") {
		t.Error(`ValidOrderStatus("returned") = true, want false`)
	}
}

func TestPaymentIsRefundable(t *testing.T) {
	tests := []struct {
		name     string
		status   PaymentStatus
		amount   float64
		refunded float64
		want     bool
	}{
		{"completed with full balance", PaymentStatusCompleted, 49.39, 0, true},
		{"completed partially refunded", PaymentStatusCompleted, 49.39, 10, true},
		{"completed fully refunded", PaymentStatusCompleted, 49.39, 49.39, false},
		{"pending", PaymentStatusPending, 49.39, 0, false},
		{"failed", PaymentStatusFailed, 49.39, 0, false},
		{"refunded", PaymentStatusRefunded, 49.39, 49.39, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Payment{Status: tt.status, Amount: tt.amount, RefundedAmount: tt.refunded}
			if got := p.IsRefundable(); got != tt.want {
				t.Errorf("IsRefundable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidPaymentMethod(t *testing.T) {
	for _, m := range []string{"credit_card", "debit_card", "paypal", "bank_transfer", "cash_on_delivery"} {
		if !ValidPaymentMethod(m) {
			t.Errorf("ValidPaymentMethod(%q) = false, want true", m)
		}
	}

	if ValidPaymentMethod("barter") {
		t.Error(`ValidPaymentMethod("barter") = true, want false`)
	}
}
