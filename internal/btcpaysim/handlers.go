package btcpaysim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
	"github.com/GianGuaz256/pow-vending-machine/internal/webhook"
)

const defaultPaymentMethod = "BTC-LightningNetwork"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store    *Store
	notifier *Notifier
	storeID  string
	apiKey   string
	logger   *slog.Logger
}

func NewHandler(store *Store, notifier *Notifier, storeID, apiKey string, logger *slog.Logger) *Handler {
	return &Handler{
		store:    store,
		notifier: notifier,
		storeID:  storeID,
		apiKey:   apiKey,
		logger:   logger.With("component", "api"),
	}
}

// notify delivers a webhook in the background, like BTCPay's delivery queue.
func (h *Handler) notify(inv Invoice, eventType string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := h.notifier.Notify(ctx, inv, eventType); err != nil {
			h.logger.Warn("webhook not delivered", "invoice", inv.ID, "type", eventType, "error", err)
		}
	}()
}

// authMiddleware checks the Greenfield "token" authorization and the store id.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" && r.Header.Get("Authorization") != "token "+h.apiKey {
			h.writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication is required for accessing this endpoint")
			return
		}
		if mux.Vars(r)["storeId"] != h.storeID {
			h.writeError(w, http.StatusNotFound, "store-not-found", "The store was not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CreateInvoiceHandler handles POST /api/v1/stores/{storeId}/invoices
func (h *Handler) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid-request", "Invalid JSON payload")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		h.writeError(w, http.StatusUnprocessableEntity, "validation-error", "amount must be a positive number")
		return
	}
	if req.Currency == "" {
		h.writeError(w, http.StatusUnprocessableEntity, "validation-error", "currency is required")
		return
	}

	methods := []string{defaultPaymentMethod}
	var expiry time.Duration
	if c := req.Checkout; c != nil {
		if len(c.PaymentMethods) > 0 {
			methods = c.PaymentMethods
		}
		expiry = time.Duration(c.ExpirationMinutes) * time.Minute
	}

	inv := h.store.Create(amount, req.Currency, req.Metadata, methods, expiry)
	h.notify(*inv, webhook.EventInvoiceCreated)
	h.writeJSON(w, http.StatusOK, inv.toAPI())
}

// GetInvoiceHandler handles GET /api/v1/stores/{storeId}/invoices/{invoiceId}
func (h *Handler) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.Get(mux.Vars(r)["invoiceId"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inv.toAPI())
}

// PaymentMethodsHandler handles GET /api/v1/stores/{storeId}/invoices/{invoiceId}/payment-methods
func (h *Handler) PaymentMethodsHandler(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.Get(mux.Vars(r)["invoiceId"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	methods := make([]api.InvoicePaymentMethod, 0, len(inv.PaymentMethods))
	for _, m := range inv.PaymentMethods {
		pm := api.InvoicePaymentMethod{
			PaymentMethod:   m,
			PaymentMethodID: m,
			Destination:     inv.Destination,
			PaymentLink:     "lightning:" + inv.Destination,
			Amount:          inv.Amount.String(),
			Due:             inv.Amount.String(),
		}
		if inv.Status == api.InvoiceStatusSettled {
			pm.Due = "0"
		}
		methods = append(methods, pm)
	}
	h.writeJSON(w, http.StatusOK, methods)
}

// ArchiveInvoiceHandler handles DELETE /api/v1/stores/{storeId}/invoices/{invoiceId}
func (h *Handler) ArchiveInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.Archive(mux.Vars(r)["invoiceId"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if inv.Status == api.InvoiceStatusInvalid {
		h.notify(*inv, webhook.EventInvoiceInvalid)
	}
	w.WriteHeader(http.StatusOK)
}

// PayHandler handles POST /sim/invoices/{invoiceId}/pay. It stands in for a
// customer's wallet paying the Lightning invoice.
func (h *Handler) PayHandler(w http.ResponseWriter, r *http.Request) {
	inv, err := h.store.Settle(mux.Vars(r)["invoiceId"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	h.notify(*inv, webhook.EventInvoiceSettled)
	h.writeJSON(w, http.StatusOK, inv.toAPI())
}

// HealthHandler handles GET /api/v1/health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, api.ServerHealth{Synchronized: true})
}

// StatsHandler handles GET /sim/stats
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"invoices":  h.store.Stats(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// OnExpire reports an invoice expired by the sweeper.
func (h *Handler) OnExpire(inv Invoice) {
	h.notify(inv, webhook.EventInvoiceExpired)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		h.writeError(w, http.StatusNotFound, "invoice-not-found", "The invoice was not found")
	case errors.Is(err, ErrInvoiceFinal):
		h.writeError(w, http.StatusConflict, "invoice-not-payable", err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "internal-error", err.Error())
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

// writeError writes a Greenfield style error response
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Debug("request failed", "status", status, "code", code, "message", message)
	h.writeJSON(w, status, api.GreenfieldError{Code: code, Message: message})
}
