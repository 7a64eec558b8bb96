package vending

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// TimerKind identifies a watchdog timer.
type TimerKind int

const (
	// TimerPayment bounds how long an invoice may stay unpaid.
	TimerPayment TimerKind = iota
	// TimerDispense is the time allowed for the mechanism to dispense.
	TimerDispense
	// TimerErrorHold keeps an error message on screen before showing Ready.
	TimerErrorHold
)

func (k TimerKind) String() string {
	switch k {
	case TimerPayment:
		return "payment"
	case TimerDispense:
		return "dispense"
	case TimerErrorHold:
		return "error_hold"
	}
	return "unknown"
}

// Event is an input to the state machine.
type Event interface {
	eventName() string
}

// Initialized reports that both gateways answered at startup.
type Initialized struct{ Health models.ComponentHealth }

// VendObserved is a vend request from the hardware or the API.
type VendObserved struct {
	TxnID   string
	Request models.VendRequest
}

// InvoiceCreated carries the invoice returned by the payment gateway.
type InvoiceCreated struct{ Invoice models.Invoice }

// InvoiceFailed reports that no invoice could be created.
type InvoiceFailed struct{ Err error }

// PaymentStatus is an invoice status from polling or a push notification.
type PaymentStatus struct {
	InvoiceID string
	Status    models.InvoiceStatus
}

// Timeout is a watchdog timer expiry, tagged with the generation it was armed for.
type Timeout struct {
	Kind       TimerKind
	Generation uint64
}

// VendApproved reports that the hardware accepted the approval.
type VendApproved struct{}

// ApproveFailed reports that the approval could not be sent.
type ApproveFailed struct{ Err error }

// SessionEnded reports that the hardware session was closed after dispensing.
type SessionEnded struct{}

// SessionEndFailed reports a failure to close the session.
type SessionEndFailed struct{ Err error }

// FaultRaised reports an unexpected failure while a transaction is active.
type FaultRaised struct{ Err error }

// HealthReport is the result of a health sweep.
type HealthReport struct{ Health models.ComponentHealth }

// ShutdownRequested stops the machine.
type ShutdownRequested struct{}

func (Initialized) eventName() string       { return "initialized" }
func (VendObserved) eventName() string      { return "vend_observed" }
func (InvoiceCreated) eventName() string    { return "invoice_created" }
func (InvoiceFailed) eventName() string     { return "invoice_failed" }
func (PaymentStatus) eventName() string     { return "payment_status" }
func (Timeout) eventName() string           { return "timeout" }
func (VendApproved) eventName() string      { return "vend_approved" }
func (ApproveFailed) eventName() string     { return "approve_failed" }
func (SessionEnded) eventName() string      { return "session_ended" }
func (SessionEndFailed) eventName() string  { return "session_end_failed" }
func (FaultRaised) eventName() string       { return "fault" }
func (HealthReport) eventName() string      { return "health_report" }
func (ShutdownRequested) eventName() string { return "shutdown_requested" }

// Effect is an instruction produced by the state machine for the run loop to
// carry out.
type Effect interface {
	effectName() string
}

type CreateInvoice struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
}

type CancelInvoice struct{ InvoiceID string }

type ApproveVend struct{}

type DenyVend struct{}

type EndSession struct{}

type ArmTimer struct {
	Kind       TimerKind
	Generation uint64
	After      time.Duration
}

type DisarmTimer struct{ Kind TimerKind }

type DisarmAll struct{}

type StartStatusPolling struct{ InvoiceID string }

type StopStatusPolling struct{}

type ShowReady struct{}

type ShowPayableRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

type ShowPaymentStatus struct {
	Amount   decimal.Decimal
	Currency string
	Status   string
}

type ShowDispensing struct{ ItemID string }

type ShowError struct{ Message string }

type ShowHealth struct{ Health models.ComponentHealth }

type RecordOutcome struct{ Record models.TransactionRecord }

// Teardown is the final effect of a shutdown. The flags say which cleanup
// calls are still owed to the gateways.
type Teardown struct {
	CancelInvoiceID string
	DenyVend        bool
	EndSession      bool
}

func (CreateInvoice) effectName() string      { return "create_invoice" }
func (CancelInvoice) effectName() string      { return "cancel_invoice" }
func (ApproveVend) effectName() string        { return "approve_vend" }
func (DenyVend) effectName() string           { return "deny_vend" }
func (EndSession) effectName() string         { return "end_session" }
func (ArmTimer) effectName() string           { return "arm_timer" }
func (DisarmTimer) effectName() string        { return "disarm_timer" }
func (DisarmAll) effectName() string          { return "disarm_all" }
func (StartStatusPolling) effectName() string { return "start_status_polling" }
func (StopStatusPolling) effectName() string  { return "stop_status_polling" }
func (ShowReady) effectName() string          { return "show_ready" }
func (ShowPayableRequest) effectName() string { return "show_payable_request" }
func (ShowPaymentStatus) effectName() string  { return "show_payment_status" }
func (ShowDispensing) effectName() string     { return "show_dispensing" }
func (ShowError) effectName() string          { return "show_error" }
func (ShowHealth) effectName() string         { return "show_health" }
func (RecordOutcome) effectName() string      { return "record_outcome" }
func (Teardown) effectName() string           { return "teardown" }
