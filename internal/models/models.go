package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of the vending machine.
type State string

const (
	StateInitializing     State = "initializing"
	StateReady            State = "ready"
	StateVendRequested    State = "vend_requested"
	StatePaymentPending   State = "payment_pending"
	StatePaymentConfirmed State = "payment_confirmed"
	StateDispensing       State = "dispensing"
	StateError            State = "error"
	StateShutdown         State = "shutdown"
)

// Active reports whether a transaction is in flight in this state.
func (s State) Active() bool {
	switch s {
	case StateVendRequested, StatePaymentPending, StatePaymentConfirmed, StateDispensing:
		return true
	}
	return false
}

// InvoiceStatus is the normalized invoice lifecycle status. Gateway specific
// vocabularies are mapped onto these values at the gateway boundary.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceSettled InvoiceStatus = "settled"
	InvoiceExpired InvoiceStatus = "expired"
	InvoiceInvalid InvoiceStatus = "invalid"
)

// ParseInvoiceStatus accepts the normalized status names.
func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	switch st := InvoiceStatus(s); st {
	case InvoicePending, InvoiceSettled, InvoiceExpired, InvoiceInvalid:
		return st, nil
	}
	return "", fmt.Errorf("unknown invoice status %q", s)
}

// Terminal reports whether no further status change is expected.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceSettled || s == InvoiceExpired || s == InvoiceInvalid
}

// VendRequest is a purchase request reported by the vending hardware.
type VendRequest struct {
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Invoice is a payment request created by the payment gateway.
type Invoice struct {
	ID               string          `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PayableReference string          `json:"payable_reference,omitempty"`
	Status           InvoiceStatus   `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate checks the fields the orchestrator relies on.
func (inv *Invoice) Validate() error {
	if inv == nil {
		return fmt.Errorf("invoice is nil")
	}
	if inv.ID == "" {
		return fmt.Errorf("invoice id is required")
	}
	if !inv.Amount.IsPositive() {
		return fmt.Errorf("invoice amount must be positive")
	}
	return nil
}

// ComponentHealth is the last observed health of each external collaborator.
type ComponentHealth struct {
	HardwareOK     bool      `json:"hardware_ok"`
	PaymentOK      bool      `json:"payment_ok"`
	PresentationOK bool      `json:"presentation_ok"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Healthy reports whether every component is up.
func (h ComponentHealth) Healthy() bool {
	return h.HardwareOK && h.PaymentOK && h.PresentationOK
}

// SameAs compares the component flags, ignoring the check time.
func (h ComponentHealth) SameAs(o ComponentHealth) bool {
	return h.HardwareOK == o.HardwareOK && h.PaymentOK == o.PaymentOK && h.PresentationOK == o.PresentationOK
}

// Outcome is how a transaction ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeInvalidPrice   Outcome = "invalid_price"
	OutcomeInvoiceFailed  Outcome = "invoice_failed"
	OutcomePaymentTimeout Outcome = "payment_timeout"
	OutcomePaymentExpired Outcome = "payment_expired"
	OutcomePaymentInvalid Outcome = "payment_invalid"
	OutcomeVendFailed     Outcome = "vend_failed"
	OutcomeDispenseFailed Outcome = "dispense_failed"
	OutcomeFault          Outcome = "fault"
	OutcomeAborted        Outcome = "aborted"
)

// TransactionRecord is the persisted summary of a finished transaction.
type TransactionRecord struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	InvoiceID  string          `json:"invoice_id,omitempty"`
	Outcome    Outcome         `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}
