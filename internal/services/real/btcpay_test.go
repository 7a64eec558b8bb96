package real

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
	"github.com/GianGuaz256/pow-vending-machine/internal/btcpaysim"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

const (
	simStore = "vending-store"
	simKey   = "api-key"
	lnMethod = "BTC-LightningNetwork"
)

var vocabulary = map[string]models.InvoiceStatus{
	api.InvoiceStatusNew:        models.InvoicePending,
	api.InvoiceStatusProcessing: models.InvoicePending,
	api.InvoiceStatusSettled:    models.InvoiceSettled,
	api.InvoiceStatusExpired:    models.InvoiceExpired,
	api.InvoiceStatusInvalid:    models.InvoiceInvalid,
}

func newSimServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := discardLogger()
	store := btcpaysim.NewStore(simStore, 15*time.Minute, logger)
	handler := btcpaysim.NewHandler(store, nil, simStore, simKey, logger)
	srv := httptest.NewServer(btcpaysim.NewServer(handler, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func newTestBTCPay(url, key string) *BTCPay {
	return NewBTCPay(BTCPayConfig{
		ServerURL:     url + "/",
		StoreID:       simStore,
		APIKey:        key,
		PaymentMethod: lnMethod,
		InvoiceExpiry: 5 * time.Minute,
		Vocabulary:    vocabulary,
	}, discardLogger())
}

func pay(t *testing.T, srv *httptest.Server, invoiceID string) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/sim/invoices/"+invoiceID+"/pay", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBTCPayInvoiceLifecycle(t *testing.T) {
	srv := newSimServer(t)
	b := newTestBTCPay(srv.URL, simKey)
	ctx := context.Background()

	assert.True(t, b.CheckHealth(ctx))

	inv, err := b.CreateInvoice(ctx, decimal.RequireFromString("2.50"), "EUR", "Vending Machine Item #4")
	require.NoError(t, err)
	require.NoError(t, inv.Validate())
	assert.Equal(t, models.InvoicePending, inv.Status)
	assert.Contains(t, inv.PayableReference, "lnbcrt250")
	assert.True(t, inv.Amount.Equal(decimal.RequireFromString("2.5")))

	st, err := b.GetInvoiceStatus(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePending, st)

	pay(t, srv, inv.ID)

	st, err = b.GetInvoiceStatus(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceSettled, st)
	assert.NoError(t, b.Close())
}

func TestBTCPayCancel(t *testing.T) {
	srv := newSimServer(t)
	b := newTestBTCPay(srv.URL, simKey)
	ctx := context.Background()

	inv, err := b.CreateInvoice(ctx, decimal.NewFromInt(1), "EUR", "item")
	require.NoError(t, err)
	require.NoError(t, b.CancelInvoice(ctx, inv.ID))

	_, err = b.GetInvoiceStatus(ctx, inv.ID)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusNotFound, remote.StatusCode)
	assert.Equal(t, "invoice-not-found", remote.Code)
}

func TestBTCPayRejectsBadKey(t *testing.T) {
	srv := newSimServer(t)
	b := newTestBTCPay(srv.URL, "wrong")

	_, err := b.CreateInvoice(context.Background(), decimal.NewFromInt(1), "EUR", "item")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode)
	assert.Equal(t, "unauthenticated", remote.Code)
}

func TestBTCPayUnknownStatusIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.Invoice{ID: "inv", Status: "SomethingNew"})
	}))
	defer srv.Close()

	st, err := newTestBTCPay(srv.URL, simKey).GetInvoiceStatus(context.Background(), "inv")
	require.NoError(t, err)
	assert.Equal(t, models.InvoicePending, st)
}

func TestBTCPayCancelsInvoiceWithoutDestination(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/stores/"+simStore+"/invoices", func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateInvoiceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{lnMethod}, req.Checkout.PaymentMethods)
		assert.Equal(t, 5, req.Checkout.ExpirationMinutes)
		assert.Equal(t, 10, req.Checkout.MonitoringMinutes)
		assert.Contains(t, req.Metadata.OrderID, "vending_")
		json.NewEncoder(w).Encode(api.Invoice{ID: "inv-1", Status: api.InvoiceStatusNew})
	})
	mux.HandleFunc("GET /api/v1/stores/"+simStore+"/invoices/inv-1/payment-methods", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]api.InvoicePaymentMethod{{PaymentMethodID: "BTC-CHAIN", Destination: "bc1q"}})
	})
	mux.HandleFunc("DELETE /api/v1/stores/"+simStore+"/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deleted = append(deleted, r.PathValue("id"))
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := newTestBTCPay(srv.URL, simKey).CreateInvoice(context.Background(), decimal.NewFromInt(1), "EUR", "item")
	assert.ErrorIs(t, err, ErrNoDestination)
	mu.Lock()
	assert.Equal(t, []string{"inv-1"}, deleted)
	mu.Unlock()
}

func TestBTCPayRateLimit(t *testing.T) {
	srv := newSimServer(t)
	b := NewBTCPay(BTCPayConfig{
		ServerURL:         srv.URL,
		StoreID:           simStore,
		APIKey:            simKey,
		PaymentMethod:     lnMethod,
		RequestsPerSecond: 0.5,
		Vocabulary:        vocabulary,
	}, discardLogger())

	assert.True(t, b.CheckHealth(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.GetInvoiceStatus(ctx, "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestBTCPayHealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ServerHealth{Synchronized: false})
	}))
	b := newTestBTCPay(srv.URL, simKey)
	assert.False(t, b.CheckHealth(context.Background()))

	srv.Close()
	assert.False(t, b.CheckHealth(context.Background()))
}
