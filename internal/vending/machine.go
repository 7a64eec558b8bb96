package vending

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// Customer facing messages.
const (
	MsgInvalidPrice   = "Invalid Price"
	MsgPaymentSystem  = "Payment System Error"
	MsgPaymentExpired = "Payment Expired"
	MsgPaymentFailed  = "Payment Failed"
	MsgVendingError   = "Vending Error"
	MsgDispenseError  = "Dispensing Error"
	MsgSystemError    = "System Error"
	MsgShuttingDown   = "Shutting Down"
)

// MachineConfig holds the transaction rules.
type MachineConfig struct {
	MinPrice          decimal.Decimal
	MaxPrice          decimal.Decimal
	Currency          string
	PaymentWindow     time.Duration
	DispenseWindow    time.Duration
	ErrorHold         time.Duration
	DescriptionFormat string
}

// Transaction is the one purchase currently being handled.
type Transaction struct {
	ID           string
	Request      models.VendRequest
	Invoice      *models.Invoice
	VendResolved bool
	StartedAt    time.Time
	LastFault    *Fault
}

func (t *Transaction) clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Invoice != nil {
		inv := *t.Invoice
		c.Invoice = &inv
	}
	return &c
}

// openInvoice returns the id of an invoice that still needs cancelling.
func (t *Transaction) openInvoice() string {
	if t == nil || t.Invoice == nil || t.Invoice.Status.Terminal() {
		return ""
	}
	return t.Invoice.ID
}

// Snapshot is the complete machine state. It is owned by the run loop; every
// Apply returns a new value and never modifies its input.
type Snapshot struct {
	State            models.State
	Generation       uint64
	Txn              *Transaction
	Health           models.ComponentHealth
	LastTransitionAt time.Time
}

// Machine is the transition function of the vending state machine. It holds
// configuration only and is safe to share.
type Machine struct {
	cfg MachineConfig
}

// NewMachine returns a machine enforcing cfg.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.DescriptionFormat == "" {
		cfg.DescriptionFormat = "Vending Machine Item #%s"
	}
	return &Machine{cfg: cfg}
}

// Apply computes the next snapshot and the effects to perform for ev. A
// non-nil error means the event was rejected or ignored and s is returned
// unchanged with no effects.
func (m *Machine) Apply(s Snapshot, ev Event, now time.Time) (Snapshot, []Effect, error) {
	if s.State == models.StateShutdown {
		return s, nil, ErrShuttingDown
	}

	next := s
	next.Txn = s.Txn.clone()

	var (
		effects []Effect
		err     error
	)
	switch e := ev.(type) {
	case ShutdownRequested:
		effects = m.onShutdown(&next, now)
	case HealthReport:
		effects = m.onHealth(&next, e, now)
	case Initialized:
		effects, err = m.onInitialized(&next, e, now)
	case VendObserved:
		effects, err = m.onVend(&next, e, now)
	case InvoiceCreated:
		effects, err = m.onInvoiceCreated(&next, e, now)
	case InvoiceFailed:
		effects, err = m.onInvoiceFailed(&next, e, now)
	case PaymentStatus:
		effects, err = m.onPaymentStatus(&next, e, now)
	case Timeout:
		effects, err = m.onTimeout(&next, e, now)
	case VendApproved:
		effects, err = m.onVendApproved(&next, now)
	case ApproveFailed:
		effects, err = m.onApproveFailed(&next, e, now)
	case SessionEnded:
		effects, err = m.onSessionEnded(&next, now)
	case SessionEndFailed:
		effects, err = m.onSessionEndFailed(&next, e, now)
	case FaultRaised:
		effects, err = m.onFault(&next, e, now)
	default:
		err = fmt.Errorf("%w: unknown event %T", ErrNotApplicable, ev)
	}
	if err != nil {
		return s, nil, err
	}
	return next, effects, nil
}

func (m *Machine) transition(s *Snapshot, to models.State, now time.Time) {
	if s.State != to {
		s.State = to
		s.LastTransitionAt = now
	}
}

func (m *Machine) record(t *Transaction, outcome models.Outcome, detail string, now time.Time) Effect {
	rec := models.TransactionRecord{
		ID:         t.ID,
		ItemID:     t.Request.ItemID,
		Price:      t.Request.Price,
		Currency:   t.Request.Currency,
		Outcome:    outcome,
		Detail:     detail,
		StartedAt:  t.StartedAt,
		FinishedAt: now,
	}
	if t.Invoice != nil {
		rec.InvoiceID = t.Invoice.ID
	}
	return RecordOutcome{Record: rec}
}

// backToReady clears the transaction after a failure and schedules the Ready
// screen once the error has been visible for a while.
func (m *Machine) backToReady(s *Snapshot, now time.Time) []Effect {
	s.Txn = nil
	m.transition(s, models.StateReady, now)
	if m.cfg.ErrorHold <= 0 {
		return []Effect{ShowReady{}}
	}
	return []Effect{ArmTimer{Kind: TimerErrorHold, Generation: s.Generation, After: m.cfg.ErrorHold}}
}

func (m *Machine) onInitialized(s *Snapshot, e Initialized, now time.Time) ([]Effect, error) {
	if s.State != models.StateInitializing {
		return nil, ErrNotApplicable
	}
	s.Health = e.Health
	m.transition(s, models.StateReady, now)
	return []Effect{ShowHealth{Health: e.Health}, ShowReady{}}, nil
}

func (m *Machine) onVend(s *Snapshot, e VendObserved, now time.Time) ([]Effect, error) {
	if s.State != models.StateReady {
		return nil, ErrBusy
	}

	req := e.Request
	if req.Currency == "" {
		req.Currency = m.cfg.Currency
	}
	s.Generation++
	s.Txn = &Transaction{ID: e.TxnID, Request: req, StartedAt: now}

	if err := m.checkPrice(req); err != nil {
		s.Txn.VendResolved = true
		s.Txn.LastFault = err
		effects := []Effect{
			DenyVend{},
			ShowError{Message: MsgInvalidPrice},
			m.record(s.Txn, models.OutcomeInvalidPrice, err.Error(), now),
		}
		return append(effects, m.backToReady(s, now)...), nil
	}

	m.transition(s, models.StateVendRequested, now)
	return []Effect{
		DisarmTimer{Kind: TimerErrorHold},
		CreateInvoice{
			Amount:      req.Price,
			Currency:    req.Currency,
			Description: fmt.Sprintf(m.cfg.DescriptionFormat, req.ItemID),
		},
	}, nil
}

// checkPrice is the only check made on a request. Currency is left to the
// payment gateway.
func (m *Machine) checkPrice(req models.VendRequest) *Fault {
	if req.Price.LessThan(m.cfg.MinPrice) || req.Price.GreaterThan(m.cfg.MaxPrice) {
		return &Fault{Kind: InvalidPriceFault, Op: "validate_price",
			Err: fmt.Errorf("price %s outside [%s, %s]", req.Price, m.cfg.MinPrice, m.cfg.MaxPrice)}
	}
	return nil
}

func (m *Machine) onInvoiceCreated(s *Snapshot, e InvoiceCreated, now time.Time) ([]Effect, error) {
	if s.State != models.StateVendRequested {
		return nil, ErrNotApplicable
	}
	inv := e.Invoice
	if inv.Status == "" {
		inv.Status = models.InvoicePending
	}
	s.Txn.Invoice = &inv
	m.transition(s, models.StatePaymentPending, now)

	effects := make([]Effect, 0, 3)
	if inv.PayableReference != "" {
		effects = append(effects, ShowPayableRequest{Reference: inv.PayableReference, Amount: inv.Amount, Currency: inv.Currency})
	} else {
		effects = append(effects, ShowPaymentStatus{Amount: inv.Amount, Currency: inv.Currency, Status: "waiting"})
	}
	return append(effects,
		ArmTimer{Kind: TimerPayment, Generation: s.Generation, After: m.cfg.PaymentWindow},
		StartStatusPolling{InvoiceID: inv.ID},
	), nil
}

func (m *Machine) onInvoiceFailed(s *Snapshot, e InvoiceFailed, now time.Time) ([]Effect, error) {
	if s.State != models.StateVendRequested {
		return nil, ErrNotApplicable
	}
	f := asFault(PaymentGatewayFault, "create_invoice", e.Err)
	s.Txn.LastFault = f
	s.Txn.VendResolved = true
	effects := []Effect{
		DenyVend{},
		ShowError{Message: MsgPaymentSystem},
		m.record(s.Txn, models.OutcomeInvoiceFailed, f.Error(), now),
	}
	return append(effects, m.backToReady(s, now)...), nil
}

func (m *Machine) onPaymentStatus(s *Snapshot, e PaymentStatus, now time.Time) ([]Effect, error) {
	if s.Txn == nil || s.Txn.Invoice == nil || s.Txn.Invoice.ID != e.InvoiceID {
		return nil, ErrUnknownInvoice
	}
	if s.State != models.StatePaymentPending {
		// Late or duplicate delivery for an invoice already acted on.
		return nil, ErrNotApplicable
	}

	t := s.Txn
	switch e.Status {
	case models.InvoicePending:
		return nil, nil
	case models.InvoiceSettled:
		t.Invoice.Status = models.InvoiceSettled
		m.transition(s, models.StatePaymentConfirmed, now)
		return []Effect{
			StopStatusPolling{},
			DisarmTimer{Kind: TimerPayment},
			ShowPaymentStatus{Amount: t.Invoice.Amount, Currency: t.Invoice.Currency, Status: "paid"},
			ApproveVend{},
		}, nil
	case models.InvoiceExpired, models.InvoiceInvalid:
		t.Invoice.Status = e.Status
		t.VendResolved = true
		msg, outcome := MsgPaymentExpired, models.OutcomePaymentExpired
		if e.Status == models.InvoiceInvalid {
			msg, outcome = MsgPaymentFailed, models.OutcomePaymentInvalid
		}
		effects := []Effect{
			StopStatusPolling{},
			DisarmTimer{Kind: TimerPayment},
			DenyVend{},
			ShowPaymentStatus{Amount: t.Invoice.Amount, Currency: t.Invoice.Currency, Status: string(e.Status)},
			ShowError{Message: msg},
			m.record(t, outcome, "invoice "+string(e.Status), now),
		}
		return append(effects, m.backToReady(s, now)...), nil
	}
	return nil, fmt.Errorf("%w: status %q", ErrNotApplicable, e.Status)
}

func (m *Machine) onTimeout(s *Snapshot, e Timeout, now time.Time) ([]Effect, error) {
	if e.Generation != s.Generation {
		return nil, ErrStaleTimer
	}

	switch {
	case e.Kind == TimerPayment && s.State == models.StatePaymentPending:
		t := s.Txn
		f := &Fault{Kind: TimeoutFault, Op: "await_payment", Err: fmt.Errorf("no settlement within %s", m.cfg.PaymentWindow)}
		t.LastFault = f
		t.VendResolved = true
		effects := []Effect{StopStatusPolling{}}
		if id := t.openInvoice(); id != "" {
			effects = append(effects, CancelInvoice{InvoiceID: id})
			t.Invoice.Status = models.InvoiceInvalid
		}
		effects = append(effects,
			DenyVend{},
			ShowError{Message: MsgPaymentExpired},
			m.record(t, models.OutcomePaymentTimeout, f.Error(), now),
		)
		return append(effects, m.backToReady(s, now)...), nil

	case e.Kind == TimerDispense && s.State == models.StateDispensing:
		return []Effect{EndSession{}}, nil

	case e.Kind == TimerErrorHold && s.State == models.StateReady:
		return []Effect{ShowReady{}}, nil
	}
	return nil, ErrStaleTimer
}

func (m *Machine) onVendApproved(s *Snapshot, now time.Time) ([]Effect, error) {
	if s.State != models.StatePaymentConfirmed {
		return nil, ErrNotApplicable
	}
	s.Txn.VendResolved = true
	m.transition(s, models.StateDispensing, now)
	return []Effect{
		ShowDispensing{ItemID: s.Txn.Request.ItemID},
		ArmTimer{Kind: TimerDispense, Generation: s.Generation, After: m.cfg.DispenseWindow},
	}, nil
}

func (m *Machine) onApproveFailed(s *Snapshot, e ApproveFailed, now time.Time) ([]Effect, error) {
	if s.State != models.StatePaymentConfirmed {
		return nil, ErrNotApplicable
	}
	f := asFault(HardwareFault, "approve_vend", e.Err)
	s.Txn.LastFault = f
	s.Txn.VendResolved = true
	m.transition(s, models.StateError, now)
	return []Effect{
		DenyVend{},
		ShowError{Message: MsgVendingError},
		m.record(s.Txn, models.OutcomeVendFailed, f.Error(), now),
	}, nil
}

func (m *Machine) onSessionEnded(s *Snapshot, now time.Time) ([]Effect, error) {
	if s.State != models.StateDispensing {
		return nil, ErrNotApplicable
	}
	rec := m.record(s.Txn, models.OutcomeCompleted, "", now)
	s.Txn = nil
	m.transition(s, models.StateReady, now)
	return []Effect{rec, ShowReady{}}, nil
}

func (m *Machine) onSessionEndFailed(s *Snapshot, e SessionEndFailed, now time.Time) ([]Effect, error) {
	if s.State != models.StateDispensing {
		return nil, ErrNotApplicable
	}
	f := asFault(HardwareFault, "end_session", e.Err)
	s.Txn.LastFault = f
	m.transition(s, models.StateError, now)
	return []Effect{
		ShowError{Message: MsgDispenseError},
		m.record(s.Txn, models.OutcomeDispenseFailed, f.Error(), now),
	}, nil
}

func (m *Machine) onFault(s *Snapshot, e FaultRaised, now time.Time) ([]Effect, error) {
	if !s.State.Active() {
		return nil, ErrNotApplicable
	}
	t := s.Txn
	f := asFault(UnexpectedFault, "transaction", e.Err)
	t.LastFault = f

	effects := []Effect{StopStatusPolling{}, DisarmAll{}}
	if id := t.openInvoice(); id != "" {
		effects = append(effects, CancelInvoice{InvoiceID: id})
		t.Invoice.Status = models.InvoiceInvalid
	}
	if !t.VendResolved {
		effects = append(effects, DenyVend{})
		t.VendResolved = true
	}
	m.transition(s, models.StateError, now)
	return append(effects,
		ShowError{Message: MsgSystemError},
		m.record(t, models.OutcomeFault, f.Error(), now),
	), nil
}

func (m *Machine) onHealth(s *Snapshot, e HealthReport, now time.Time) []Effect {
	var effects []Effect
	if !e.Health.SameAs(s.Health) {
		effects = append(effects, ShowHealth{Health: e.Health})
	}
	s.Health = e.Health

	if s.State == models.StateError && e.Health.Healthy() {
		s.Txn = nil
		m.transition(s, models.StateReady, now)
		effects = append(effects, ShowReady{})
	}
	return effects
}

func (m *Machine) onShutdown(s *Snapshot, now time.Time) []Effect {
	effects := []Effect{StopStatusPolling{}, DisarmAll{}}

	var td Teardown
	if t := s.Txn; t != nil {
		td.CancelInvoiceID = t.openInvoice()
		if td.CancelInvoiceID != "" {
			t.Invoice.Status = models.InvoiceInvalid
		}
		td.DenyVend = !t.VendResolved
		td.EndSession = s.State == models.StateDispensing
		t.VendResolved = true
		if s.State.Active() {
			effects = append(effects, m.record(t, models.OutcomeAborted, "shutdown", now))
		}
	}
	m.transition(s, models.StateShutdown, now)
	return append(effects, ShowError{Message: MsgShuttingDown}, td)
}
