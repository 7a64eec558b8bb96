// Package handlers serves the vending machine's HTTP API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/vending"
	"github.com/GianGuaz256/pow-vending-machine/internal/webhook"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	vendTimeout         = 5 * time.Second
)

// Machine is the part of the orchestrator the API drives.
type Machine interface {
	Status() vending.Status
	SubmitVendRequest(ctx context.Context, req models.VendRequest) error
	OnPaymentStatus(invoiceID string, status models.InvoiceStatus)
}

// Options configures a VendingHandler.
type Options struct {
	Currency string
	// VendEnabled exposes POST /api/vend, for machines without real hardware.
	VendEnabled   bool
	WebhookSecret string
	// Events maps webhook event types to invoice statuses. Defaults to
	// webhook.DefaultEventVocabulary.
	Events map[string]models.InvoiceStatus
}

// VendingHandler serves the machine's HTTP API.
type VendingHandler struct {
	machine Machine
	board   *display.Board
	history interfaces.HistoryRecorder
	opts    Options
	logger  *slog.Logger
}

// NewVendingHandler builds the handler. board and history may be nil.
func NewVendingHandler(machine Machine, board *display.Board, history interfaces.HistoryRecorder, opts Options, logger *slog.Logger) *VendingHandler {
	if opts.Events == nil {
		opts.Events = webhook.DefaultEventVocabulary()
	}
	return &VendingHandler{
		machine: machine,
		board:   board,
		history: history,
		opts:    opts,
		logger:  logger.With("component", "http"),
	}
}

// Register mounts the routes on router.
func (h *VendingHandler) Register(router gin.IRouter) {
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/history", h.GetHistory)
		api.POST("/vend", h.Vend)
	}

	router.POST("/webhooks/btcpay", h.BTCPayWebhook)
}

// GET /health - Process and component health
func (h *VendingHandler) HealthCheck(c *gin.Context) {
	st := h.machine.Status()

	status, code := "healthy", http.StatusOK
	switch {
	case st.State == models.StateShutdown || st.State == models.StateInitializing:
		status, code = string(st.State), http.StatusServiceUnavailable
	case !st.Health.Healthy() || st.State == models.StateError:
		status = "degraded"
	}

	c.JSON(code, api.HealthResponse{
		Status:    status,
		State:     st.State,
		Health:    st.Health,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/status - Current state, active transaction and screen
func (h *VendingHandler) GetStatus(c *gin.Context) {
	resp := gin.H{"machine": h.machine.Status()}
	if h.board != nil {
		resp["screen"] = h.board.Current()
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/history?limit=N - Recent transaction outcomes
func (h *VendingHandler) GetHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, api.APIError{
			Error: "Transaction history is disabled",
			Code:  api.ErrorCodeNotAvailable,
		})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, api.APIError{
				Error: "limit must be a positive integer",
				Code:  api.ErrorCodeInvalidRequest,
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to read history", "error", err)
		c.JSON(http.StatusInternalServerError, api.APIError{
			Error: "Failed to read transaction history",
			Code:  api.ErrorCodeInternalError,
		})
		return
	}
	if records == nil {
		records = []models.TransactionRecord{}
	}

	c.JSON(http.StatusOK, api.HistoryResponse{Transactions: records, Count: len(records)})
}

// POST /api/vend - Submit a vend request as if the hardware had reported it
func (h *VendingHandler) Vend(c *gin.Context) {
	if !h.opts.VendEnabled {
		c.JSON(http.StatusNotFound, api.APIError{
			Error: "Vend injection is only available with the mock hardware",
			Code:  api.ErrorCodeNotAvailable,
		})
		return
	}

	var req api.VendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.APIError{
			Error:   "Invalid request format",
			Code:    api.ErrorCodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.APIError{
			Error: "price must be a decimal number",
			Code:  api.ErrorCodeInvalidRequest,
		})
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.opts.Currency
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), vendTimeout)
	defer cancel()
	err = h.machine.SubmitVendRequest(ctx, models.VendRequest{
		ItemID:     req.ItemID,
		Price:      price,
		Currency:   currency,
		ReceivedAt: time.Now(),
	})
	switch {
	case err == nil:
	case errors.Is(err, vending.ErrBusy):
		c.JSON(http.StatusConflict, api.APIError{
			Error: "A transaction is already in progress",
			Code:  api.ErrorCodeBusy,
		})
		return
	case errors.Is(err, vending.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, api.APIError{
			Error: "The machine is shutting down",
			Code:  api.ErrorCodeShuttingDown,
		})
		return
	default:
		h.logger.Error("vend request failed", "item", req.ItemID, "error", err)
		c.JSON(http.StatusInternalServerError, api.APIError{
			Error: err.Error(),
			Code:  api.ErrorCodeInternalError,
		})
		return
	}

	c.JSON(http.StatusAccepted, api.VendResponse{
		Accepted: true,
		State:    h.machine.Status().State,
	})
}

// POST /webhooks/btcpay - BTCPay invoice event delivery. Deliveries are only
// accepted when a webhook secret is configured.
func (h *VendingHandler) BTCPayWebhook(c *gin.Context) {
	if h.opts.WebhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, api.APIError{
			Error: "Webhook deliveries are disabled, no webhook secret configured",
			Code:  api.ErrorCodeNotAvailable,
		})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, api.APIError{
			Error: "Failed to read body",
			Code:  api.ErrorCodeInvalidRequest,
		})
		return
	}

	if err := webhook.Verify(h.opts.WebhookSecret, body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		h.logger.Warn("rejected webhook", "error", err, "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, api.APIError{
			Error: "Invalid signature",
			Code:  api.ErrorCodeInvalidSignature,
		})
		return
	}

	payload, err := webhook.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.APIError{
			Error:   "Invalid payload",
			Code:    api.ErrorCodeInvalidRequest,
			Details: err.Error(),
		})
		return
	}

	status, ok := payload.Status(h.opts.Events)
	if !ok || payload.InvoiceID == "" {
		h.logger.Debug("ignoring webhook", "type", payload.Type, "invoice", payload.InvoiceID)
		c.JSON(http.StatusOK, api.WebhookAck{Received: true})
		return
	}

	h.logger.Info("webhook received", "type", payload.Type, "invoice", payload.InvoiceID, "status", status, "redelivery", payload.IsRedelivery)
	h.machine.OnPaymentStatus(payload.InvoiceID, status)
	c.JSON(http.StatusOK, api.WebhookAck{Received: true, Applied: true, Status: string(status)})
}
