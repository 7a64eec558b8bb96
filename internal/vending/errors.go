package vending

import (
	"errors"
	"fmt"
)

// Rejections returned by Machine.Apply and the orchestrator entry points.
var (
	ErrBusy           = errors.New("vending: a transaction is already in progress")
	ErrShuttingDown   = errors.New("vending: machine is shutting down")
	ErrStaleTimer     = errors.New("vending: timer belongs to an earlier transaction or state")
	ErrUnknownInvoice = errors.New("vending: status for an invoice that is not active")
	ErrNotApplicable  = errors.New("vending: event does not apply in the current state")
	ErrInitialization = errors.New("vending: initialization failed")
)

// FaultKind classifies what went wrong during a transaction.
type FaultKind string

const (
	HardwareFault       FaultKind = "hardware"
	PaymentGatewayFault FaultKind = "payment_gateway"
	InvalidPriceFault   FaultKind = "invalid_price"
	TimeoutFault        FaultKind = "timeout"
	UnexpectedFault     FaultKind = "unexpected"
)

// Fault is a transaction level failure. It wraps the gateway error, if any.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s fault during %s", f.Kind, f.Op)
	}
	return fmt.Sprintf("%s fault during %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// FaultOf returns the kind of the first Fault in err's chain.
func FaultOf(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

func asFault(kind FaultKind, op string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}
