package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-api/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama/mocks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var paymentColumnNames = []string{
	"id", "order_id", "user_id", "payment_method", "amount", "currency", "status",
	"transaction_id", "failure_reason", "payment_details", "refunded_amount", "refunded_at",
	"created_at", "updated_at",
}

func paymentRow(id int, userID int, status models.PaymentStatus, amount, refunded float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(paymentColumnNames).
		AddRow(id, 21, userID, "credit_card", amount, "USD", string(status), nil, nil, nil, refunded, nil, now, now)
}

func setupPaymentTest(t *testing.T, userID int, role models.UserRole) (*PaymentHandler, sqlmock.Sqlmock, *mocks.SyncProducer, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	producer := mocks.NewSyncProducer(t, nil)
	handler := NewPaymentHandler(db, producer, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/payments/methods", handler.GetPaymentMethods)
	router.Use(testAuth(userID, role))
	router.POST("/payments/process", handler.ProcessPayment)
	router.GET("/payments/:id/status", handler.GetPaymentStatus)
	router.POST("/payments/:id/refund", handler.InitiateRefund)

	return handler, mock, producer, router
}

func TestPaymentHandler_ProcessPayment_Success(t *testing.T) {
	handler, mock, producer, router := setupPaymentTest(t, 7, models.RoleUser)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT user_id, total, payment_method, order_status FROM orders WHERE id = \\$1").
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "payment_method", "order_status"}).
			AddRow(7, 49.39, "credit_card", "pending"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE order_id = \\$1 (.+) FOR UPDATE").
		WithArgs(21).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusPending, 49.39, 0))
	mock.ExpectExec("UPDATE payments SET status = \\$1").
		WithArgs(string(models.PaymentStatusProcessing), sqlmock.AnyArg(), 31).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	producer.ExpectSendMessageAndSucceed()

	body, _ := json.Marshal(models.ProcessPaymentRequest{OrderID: 21})
	req := httptest.NewRequest("POST", "/payments/process", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp struct {
		Success   bool                 `json:"success"`
		PaymentID int                  `json:"paymentId"`
		Status    models.PaymentStatus `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.PaymentID != 31 {
		t.Errorf("Expected paymentId 31, got %d", resp.PaymentID)
	}
	if resp.Status != models.PaymentStatusProcessing {
		t.Errorf("Expected status processing, got %v", resp.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_ProcessPayment_PersistsDetails(t *testing.T) {
	handler, mock, producer, router := setupPaymentTest(t, 7, models.RoleUser)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT user_id, total, payment_method, order_status FROM orders WHERE id = \\$1").
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "payment_method", "order_status"}).
			AddRow(7, 49.39, "credit_card", "pending"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE order_id = \\$1 (.+) FOR UPDATE").
		WithArgs(21).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(21, 7, "credit_card", 49.39, string(models.PaymentStatusProcessing),
			[]byte(`{"card_type":"visa","last_four_digits":"4242"}`)).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusProcessing, 49.39, 0))
	mock.ExpectCommit()

	producer.ExpectSendMessageAndSucceed()

	body, _ := json.Marshal(models.ProcessPaymentRequest{
		OrderID: 21,
		PaymentDetails: map[string]any{
			"card_type":        "visa",
			"last_four_digits": "4242",
		},
	})
	req := httptest.NewRequest("POST", "/payments/process", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_ProcessPayment_NotOwner(t *testing.T) {
	handler, mock, _, router := setupPaymentTest(t, 7, models.RoleUser)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT user_id, total, payment_method, order_status FROM orders WHERE id = \\$1").
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "payment_method", "order_status"}).
			AddRow(99, 49.39, "credit_card", "pending"))

	body, _ := json.Marshal(models.ProcessPaymentRequest{OrderID: 21})
	req := httptest.NewRequest("POST", "/payments/process", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

func TestPaymentHandler_ProcessPayment_AlreadyCompleted(t *testing.T) {
	handler, mock, _, router := setupPaymentTest(t, 7, models.RoleUser)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT user_id, total, payment_method, order_status FROM orders WHERE id = \\$1").
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "payment_method", "order_status"}).
			AddRow(7, 49.39, "credit_card", "confirmed"))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE order_id = \\$1 (.+) FOR UPDATE").
		WithArgs(21).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusCompleted, 49.39, 0))
	mock.ExpectRollback()

	body, _ := json.Marshal(models.ProcessPaymentRequest{OrderID: 21})
	req := httptest.NewRequest("POST", "/payments/process", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPaymentHandler_GetPaymentStatus_OtherUser(t *testing.T) {
	handler, mock, _, router := setupPaymentTest(t, 7, models.RoleUser)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1").
		WithArgs(31).
		WillReturnRows(paymentRow(31, 99, models.PaymentStatusCompleted, 49.39, 0))

	req := httptest.NewRequest("GET", "/payments/31/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

func TestPaymentHandler_InitiateRefund_Partial(t *testing.T) {
	handler, mock, _, router := setupPaymentTest(t, 1, models.RoleAdmin)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
		WithArgs(31).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusCompleted, 49.39, 0))
	// Partial refund keeps the payment completed
	mock.ExpectExec("UPDATE payments SET status = \\$1, refunded_amount = \\$2").
		WithArgs(string(models.PaymentStatusCompleted), 10.00, 31).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body, _ := json.Marshal(models.RefundRequest{RefundAmount: 10.00, Reason: "damaged item"})
	req := httptest.NewRequest("POST", "/payments/31/refund", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp struct {
		Success        bool    `json:"success"`
		RefundedAmount float64 `json:"refunded_amount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RefundedAmount != 10.00 {
		t.Errorf("Expected refunded_amount 10.00, got %v", resp.RefundedAmount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiateRefund_ClampsToRemaining(t *testing.T) {
	handler, mock, producer, router := setupPaymentTest(t, 1, models.RoleAdmin)
	defer handler.db.Close()

	// Requesting more than the remaining balance refunds exactly the
	// remainder and fully refunds the payment.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
		WithArgs(31).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusCompleted, 49.39, 10.00))
	mock.ExpectExec("UPDATE payments SET status = \\$1, refunded_amount = \\$2").
		WithArgs(string(models.PaymentStatusRefunded), 49.39, 31).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT order_status FROM orders WHERE id = \\$1 FOR UPDATE").
		WithArgs(21).
		WillReturnRows(sqlmock.NewRows([]string{"order_status"}).AddRow("confirmed"))
	mock.ExpectExec("UPDATE products SET stock = stock \\+ oi.quantity").
		WithArgs(21).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET order_status = \\$1, payment_status = \\$2").
		WithArgs(string(models.OrderStatusCancelled), string(models.PaymentStateRefunded), 21).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	producer.ExpectSendMessageAndSucceed()

	body, _ := json.Marshal(models.RefundRequest{RefundAmount: 1000.00})
	req := httptest.NewRequest("POST", "/payments/31/refund", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp struct {
		RefundedAmount float64              `json:"refunded_amount"`
		Status         models.PaymentStatus `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.RefundedAmount != 49.39 {
		t.Errorf("Expected refunded_amount 49.39, got %v", resp.RefundedAmount)
	}
	if resp.Status != models.PaymentStatusRefunded {
		t.Errorf("Expected status refunded, got %v", resp.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiateRefund_NotRefundable(t *testing.T) {
	handler, mock, _, router := setupPaymentTest(t, 1, models.RoleAdmin)
	defer handler.db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM payments WHERE id = \\$1 FOR UPDATE").
		WithArgs(31).
		WillReturnRows(paymentRow(31, 7, models.PaymentStatusPending, 49.39, 0)).
		RowsWillBeClosed()
	mock.ExpectRollback()

	body, _ := json.Marshal(models.RefundRequest{})
	req := httptest.NewRequest("POST", "/payments/31/refund", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var resp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Message != "Payment is not refundable" {
		t.Errorf("Unexpected message: %q", resp.Message)
	}
}

func TestPaymentHandler_GetPaymentMethods(t *testing.T) {
	handler, _, _, router := setupPaymentTest(t, 0, models.RoleUser)
	defer handler.db.Close()

	req := httptest.NewRequest("GET", "/payments/methods", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp struct {
		Success bool                             `json:"success"`
		Methods []models.PaymentMethodDescriptor `json:"methods"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Methods) != 5 {
		t.Errorf("Expected 5 payment methods, got %d", len(resp.Methods))
	}
}
