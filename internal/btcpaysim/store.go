package btcpaysim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/api"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrInvoiceFinal    = errors.New("invoice is no longer payable")
)

// Invoice is the simulator's record of an invoice.
type Invoice struct {
	ID             string
	StoreID        string
	Amount         decimal.Decimal
	Currency       string
	Status         string
	Metadata       api.InvoiceMetadata
	PaymentMethods []string
	Destination    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Archived       bool
}

func (inv *Invoice) open() bool {
	return inv.Status == api.InvoiceStatusNew || inv.Status == api.InvoiceStatusProcessing
}

func (inv *Invoice) toAPI() api.Invoice {
	return api.Invoice{
		ID:             inv.ID,
		StoreID:        inv.StoreID,
		Amount:         inv.Amount.String(),
		Currency:       inv.Currency,
		Status:         inv.Status,
		CheckoutLink:   "/i/" + inv.ID,
		CreatedTime:    inv.CreatedAt.Unix(),
		ExpirationTime: inv.ExpiresAt.Unix(),
		Metadata:       inv.Metadata,
	}
}

// Store provides thread-safe in-memory storage for invoices
type Store struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
	storeID  string
	expiry   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewStore(storeID string, expiry time.Duration, logger *slog.Logger) *Store {
	return &Store{
		invoices: make(map[string]*Invoice),
		storeID:  storeID,
		expiry:   expiry,
		now:      time.Now,
		logger:   logger.With("component", "invoice-store"),
	}
}

func newInvoiceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:22]
}

// Create stores a new invoice. expiry overrides the store default when
// positive.
func (s *Store) Create(amount decimal.Decimal, currency string, metadata api.InvoiceMetadata, methods []string, expiry time.Duration) *Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry <= 0 {
		expiry = s.expiry
	}
	now := s.now()
	id := newInvoiceID()
	inv := &Invoice{
		ID:             id,
		StoreID:        s.storeID,
		Amount:         amount,
		Currency:       currency,
		Status:         api.InvoiceStatusNew,
		Metadata:       metadata,
		PaymentMethods: methods,
		Destination:    fmt.Sprintf("lnbcrt%s1sim%s", amount.Shift(2).StringFixed(0), strings.ToLower(id)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiry),
	}
	s.invoices[id] = inv
	s.logger.Info("invoice created", "invoice", id, "amount", amount.String(), "currency", currency, "order", metadata.OrderID)

	out := *inv
	return &out
}

func (s *Store) Get(id string) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok || inv.Archived {
		return nil, ErrInvoiceNotFound
	}
	out := *inv
	return &out, nil
}

// Settle marks an open invoice paid.
func (s *Store) Settle(id string) (*Invoice, error) {
	return s.finish(id, api.InvoiceStatusSettled, false)
}

// Archive removes an invoice from the API view. An unpaid invoice becomes
// Invalid.
func (s *Store) Archive(id string) (*Invoice, error) {
	return s.finish(id, api.InvoiceStatusInvalid, true)
}

func (s *Store) finish(id, status string, archive bool) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok || inv.Archived {
		return nil, ErrInvoiceNotFound
	}
	if !inv.open() {
		if archive {
			inv.Archived = true
			out := *inv
			return &out, nil
		}
		return nil, fmt.Errorf("%w: status %s", ErrInvoiceFinal, inv.Status)
	}
	inv.Status = status
	inv.Archived = archive
	s.logger.Info("invoice finished", "invoice", id, "status", status, "archived", archive)
	out := *inv
	return &out, nil
}

// Sweep expires open invoices whose deadline has passed and returns them.
func (s *Store) Sweep() []Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []Invoice
	for _, inv := range s.invoices {
		if inv.open() && now.After(inv.ExpiresAt) {
			inv.Status = api.InvoiceStatusExpired
			expired = append(expired, *inv)
			s.logger.Info("invoice expired", "invoice", inv.ID, "age", now.Sub(inv.CreatedAt).Round(time.Second))
		}
	}
	return expired
}

// StartSweeper runs Sweep every interval until ctx is done and hands every
// expired invoice to onExpire.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, onExpire func(Invoice)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, inv := range s.Sweep() {
					onExpire(inv)
				}
			}
		}
	}()
	s.logger.Debug("started expiry sweeper", "interval", interval)
}

// Stats returns the number of invoices per status.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int)
	for _, inv := range s.invoices {
		stats[inv.Status]++
	}
	return stats
}
