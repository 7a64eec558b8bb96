package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// ErrNoDestination is returned when BTCPay created an invoice but offers no
// payable destination for the configured payment method.
var ErrNoDestination = errors.New("btcpay: invoice has no payment destination")

// RemoteError is a non-2xx answer from BTCPay Server.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("btcpay error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("btcpay returned status %d: %s", e.StatusCode, e.Message)
}

// BTCPayConfig holds the Greenfield API connection settings.
type BTCPayConfig struct {
	ServerURL     string
	StoreID       string
	APIKey        string
	PaymentMethod string
	// InvoiceExpiry is the checkout expiration requested from the server.
	InvoiceExpiry     time.Duration
	RequestsPerSecond float64
	Vocabulary        map[string]models.InvoiceStatus
	HTTPClient        *http.Client
}

// BTCPay creates and tracks Lightning invoices through the BTCPay Server
// Greenfield API.
type BTCPay struct {
	baseURL       string
	storeID       string
	apiKey        string
	paymentMethod string
	expiry        time.Duration
	vocabulary    map[string]models.InvoiceStatus
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// NewBTCPay creates a new BTCPay Server payment gateway.
func NewBTCPay(c BTCPayConfig, logger *slog.Logger) *BTCPay {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if c.RequestsPerSecond > 0 {
		limit = rate.Limit(c.RequestsPerSecond)
	}
	return &BTCPay{
		baseURL:       strings.TrimRight(c.ServerURL, "/"),
		storeID:       c.StoreID,
		apiKey:        c.APIKey,
		paymentMethod: c.PaymentMethod,
		expiry:        c.InvoiceExpiry,
		vocabulary:    c.Vocabulary,
		httpClient:    client,
		limiter:       rate.NewLimiter(limit, 1),
		logger:        logger.With("component", "btcpay"),
	}
}

func (b *BTCPay) invoicesPath() string {
	return "/api/v1/stores/" + url.PathEscape(b.storeID) + "/invoices"
}

func (b *BTCPay) do(ctx context.Context, method, path string, body, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("btcpay rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+b.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call btcpay at %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remote := &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var gfErr api.GreenfieldError
		if json.Unmarshal(data, &gfErr) == nil && gfErr.Message != "" {
			remote.Code, remote.Message = gfErr.Code, gfErr.Message
		}
		return remote
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse btcpay response: %w", err)
		}
	}
	return nil
}

func (b *BTCPay) CreateInvoice(ctx context.Context, amount decimal.Decimal, currency, description string) (*models.Invoice, error) {
	reqBody := api.CreateInvoiceRequest{
		Amount:   amount.String(),
		Currency: currency,
		Metadata: api.InvoiceMetadata{
			OrderID:  "vending_" + uuid.NewString(),
			ItemDesc: description,
		},
		Checkout: &api.CheckoutOptions{
			SpeedPolicy:          "MediumSpeed",
			PaymentMethods:       []string{b.paymentMethod},
			DefaultPaymentMethod: b.paymentMethod,
		},
	}
	if minutes := int(b.expiry / time.Minute); minutes > 0 {
		reqBody.Checkout.ExpirationMinutes = minutes
		reqBody.Checkout.MonitoringMinutes = minutes + 5
	}

	var created api.Invoice
	if err := b.do(ctx, http.MethodPost, b.invoicesPath(), reqBody, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, errors.New("btcpay returned an invoice without id")
	}

	destination, err := b.destination(ctx, created.ID)
	if err != nil {
		// The invoice is useless without something to pay.
		if cancelErr := b.CancelInvoice(ctx, created.ID); cancelErr != nil {
			b.logger.Warn("failed to cancel unusable invoice", "invoice", created.ID, "error", cancelErr)
		}
		return nil, err
	}

	inv := &models.Invoice{
		ID:               created.ID,
		Amount:           amount,
		Currency:         currency,
		PayableReference: destination,
		Status:           b.mapStatus(created.Status),
		CreatedAt:        time.Now(),
	}
	if created.CreatedTime > 0 {
		inv.CreatedAt = time.Unix(created.CreatedTime, 0)
	}
	b.logger.Info("invoice created", "invoice", inv.ID, "amount", amount.String(), "currency", currency)
	return inv, nil
}

// destination looks up the payable string (a BOLT11 invoice for Lightning)
// of the configured payment method.
func (b *BTCPay) destination(ctx context.Context, invoiceID string) (string, error) {
	var methods []api.InvoicePaymentMethod
	path := b.invoicesPath() + "/" + url.PathEscape(invoiceID) + "/payment-methods"
	if err := b.do(ctx, http.MethodGet, path, nil, &methods); err != nil {
		return "", err
	}
	for _, m := range methods {
		if (m.PaymentMethod == b.paymentMethod || m.PaymentMethodID == b.paymentMethod) && m.Destination != "" {
			return m.Destination, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrNoDestination, b.paymentMethod, invoiceID)
}

func (b *BTCPay) GetInvoiceStatus(ctx context.Context, invoiceID string) (models.InvoiceStatus, error) {
	var inv api.Invoice
	if err := b.do(ctx, http.MethodGet, b.invoicesPath()+"/"+url.PathEscape(invoiceID), nil, &inv); err != nil {
		return "", err
	}
	return b.mapStatus(inv.Status), nil
}

// mapStatus translates a BTCPay status through the configured vocabulary.
// Statuses it does not know are treated as still pending.
func (b *BTCPay) mapStatus(remote string) models.InvoiceStatus {
	if st, ok := b.vocabulary[remote]; ok {
		return st
	}
	b.logger.Debug("unmapped invoice status", "status", remote)
	return models.InvoicePending
}

func (b *BTCPay) CancelInvoice(ctx context.Context, invoiceID string) error {
	if err := b.do(ctx, http.MethodDelete, b.invoicesPath()+"/"+url.PathEscape(invoiceID), nil, nil); err != nil {
		return err
	}
	b.logger.Info("invoice cancelled", "invoice", invoiceID)
	return nil
}

// CheckHealth asks the server whether it is up and synchronized.
func (b *BTCPay) CheckHealth(ctx context.Context) bool {
	var health api.ServerHealth
	if err := b.do(ctx, http.MethodGet, "/api/v1/health", nil, &health); err != nil {
		b.logger.Debug("health check failed", "error", err)
		return false
	}
	return health.Synchronized
}

// Close releases idle connections.
func (b *BTCPay) Close() error {
	b.httpClient.CloseIdleConnections()
	return nil
}
