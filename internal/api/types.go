package api

import (
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// APIError represents RESTful error response structure
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Common error codes
const (
	ErrorCodeInvalidRequest   = "INVALID_REQUEST"
	ErrorCodeBusy             = "BUSY"
	ErrorCodeShuttingDown     = "SHUTTING_DOWN"
	ErrorCodeNotAvailable     = "NOT_AVAILABLE"
	ErrorCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrorCodeInternalError    = "INTERNAL_ERROR"
)

// VendRequest is the body of POST /api/vend.
type VendRequest struct {
	ItemID   string `json:"item_id" binding:"required"`
	Price    string `json:"price" binding:"required"`
	Currency string `json:"currency"`
}

// VendResponse acknowledges an accepted vend request.
type VendResponse struct {
	Accepted bool         `json:"accepted"`
	State    models.State `json:"state"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	State     models.State           `json:"state"`
	Health    models.ComponentHealth `json:"health"`
	Timestamp string                 `json:"timestamp"`
}

// HistoryResponse is returned by GET /api/history.
type HistoryResponse struct {
	Transactions []models.TransactionRecord `json:"transactions"`
	Count        int                        `json:"count"`
}

// WebhookAck is the reply to an accepted webhook delivery.
type WebhookAck struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Status   string `json:"status,omitempty"`
}
