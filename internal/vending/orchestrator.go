// Package vending implements the transaction orchestrator of the vending
// machine: a single run loop that owns the machine state, the watchdog
// timers, the health monitor and the shutdown path.
package vending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/telemetry"
)

// Config configures an Orchestrator. Hardware, Payment, Sink and Logger are
// required; History and Metrics are optional.
type Config struct {
	Machine MachineConfig

	HardwarePollInterval time.Duration
	PaymentPollInterval  time.Duration
	CallTimeout          time.Duration
	HealthInterval       time.Duration
	ReconnectBackoff     time.Duration
	StallThreshold       time.Duration
	QueueSize            int

	Hardware interfaces.HardwareGateway
	Payment  interfaces.PaymentGateway
	Sink     interfaces.PresentationSink
	History  interfaces.HistoryRecorder
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Status is a read-only view of the machine for status pages.
type Status struct {
	State         models.State           `json:"state"`
	Generation    uint64                 `json:"generation"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	ItemID        string                 `json:"item_id,omitempty"`
	Price         string                 `json:"price,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	InvoiceID     string                 `json:"invoice_id,omitempty"`
	InvoiceStatus models.InvoiceStatus   `json:"invoice_status,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	Health        models.ComponentHealth `json:"health"`
	Since         time.Time              `json:"since"`
}

type envelope struct {
	ev    Event
	reply chan error
}

// Orchestrator sequences vend requests, invoices and dispensing. All state
// changes happen on the goroutine running Run; every other entry point only
// enqueues an event.
type Orchestrator struct {
	cfg     Config
	machine *Machine
	logger  *slog.Logger
	now     func() time.Time

	// transition defaults to machine.Apply.
	transition func(Snapshot, Event, time.Time) (Snapshot, []Effect, error)

	events       chan envelope
	done         chan struct{}
	stopping     atomic.Bool
	shutdownOnce sync.Once

	// Owned by the run loop.
	snap  Snapshot
	fatal error

	published atomic.Pointer[Status]
	busySince atomic.Int64

	watchdog *Watchdog
	health   *HealthMonitor
	payments *statusPoller
	shutdown *ShutdownCoordinator

	bgCancel context.CancelFunc
	bgGroup  *errgroup.Group
}

// New validates c and wires the orchestrator's collaborators.
func New(c Config) (*Orchestrator, error) {
	if c.Hardware == nil || c.Payment == nil || c.Sink == nil {
		return nil, errors.New("vending: hardware, payment and presentation are required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.HardwarePollInterval <= 0 || c.PaymentPollInterval <= 0 || c.HealthInterval <= 0 {
		return nil, errors.New("vending: poll and health intervals must be positive")
	}
	if !c.Machine.MaxPrice.GreaterThan(c.Machine.MinPrice) {
		return nil, fmt.Errorf("vending: max price %s must exceed min price %s", c.Machine.MaxPrice, c.Machine.MinPrice)
	}

	o := &Orchestrator{
		cfg:     c,
		machine: NewMachine(c.Machine),
		logger:  c.Logger.With("component", "orchestrator"),
		now:     c.Now,
		events:  make(chan envelope, c.QueueSize),
		done:    make(chan struct{}),
		snap:    Snapshot{State: models.StateInitializing, LastTransitionAt: c.Now()},
	}
	o.transition = o.machine.Apply
	o.watchdog = NewWatchdog(o.OnTimeout, c.StallThreshold, c.Metrics, c.Logger)
	o.health = NewHealthMonitor(HealthMonitorConfig{
		Hardware:         c.Hardware,
		Payment:          c.Payment,
		Sink:             c.Sink,
		Interval:         c.HealthInterval,
		CallTimeout:      c.CallTimeout,
		ReconnectBackoff: c.ReconnectBackoff,
		Report:           o.reportHealth,
		Now:              c.Now,
		Logger:           c.Logger,
	})
	o.payments = &statusPoller{
		gateway:  c.Payment,
		interval: c.PaymentPollInterval,
		timeout:  c.CallTimeout,
		report:   o.reportStatus,
		metrics:  c.Metrics,
		logger:   c.Logger.With("component", "payment-poll"),
	}
	o.shutdown = NewShutdownCoordinator(c.Hardware, c.Payment, c.Sink, c.CallTimeout, c.Logger)

	if n, ok := c.Payment.(interfaces.StatusNotifier); ok {
		n.SetStatusHandler(o)
	}
	o.publish()
	return o, nil
}

// Run initializes the gateways and processes events until a shutdown has been
// applied. It returns nil after a clean shutdown, an error wrapping
// ErrInitialization when the gateways could not be brought up, or the fault
// that broke the transition logic. Cancelling ctx requests a shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if err := o.initialize(ctx); err != nil {
		o.cfg.Sink.ShowError(MsgSystemError)
		o.shutdown.Release()
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(bgCtx)
	o.bgCancel, o.bgGroup = cancel, g
	g.Go(func() error { o.pollHardware(gctx); return nil })
	g.Go(func() error { o.health.Run(gctx); return nil })
	g.Go(func() error {
		o.watchdog.Supervise(gctx, o.busyStart)
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
			o.RequestShutdown()
		case <-o.done:
		}
	}()

	o.loop()
	o.stopBackground()
	return o.fatal
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	h := o.health.Check(ctx)
	if !h.HardwareOK || !h.PaymentOK {
		o.logger.Error("gateways unavailable at startup", "hardware", h.HardwareOK, "payment", h.PaymentOK)
		return fmt.Errorf("%w: hardware ok=%t, payment ok=%t", ErrInitialization, h.HardwareOK, h.PaymentOK)
	}
	o.dispatch(envelope{ev: Initialized{Health: h}})
	o.logger.Info("machine ready")
	return nil
}

func (o *Orchestrator) loop() {
	for env := range o.events {
		o.dispatch(env)
		if o.snap.State == models.StateShutdown {
			o.drain()
			return
		}
	}
}

// drain discards everything queued behind the shutdown.
func (o *Orchestrator) drain() {
	for {
		select {
		case env := <-o.events:
			o.logger.Debug("dropping event after shutdown", "event", env.ev.eventName())
			if env.reply != nil {
				env.reply <- ErrShuttingDown
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) stopBackground() {
	if o.bgCancel == nil {
		return
	}
	o.bgCancel()
	_ = o.bgGroup.Wait()
	o.bgCancel = nil
}

// dispatch applies one queued event and then every event produced by its
// effects, before anything else is taken from the queue.
func (o *Orchestrator) dispatch(env envelope) {
	o.busySince.Store(o.now().UnixNano())
	defer o.busySince.Store(0)

	pending := []Event{env.ev}
	for i := 0; len(pending) > 0; i++ {
		ev := pending[0]
		pending = pending[1:]

		prev := o.snap
		next, effects, err := o.apply(ev)
		if i == 0 && env.reply != nil {
			env.reply <- err
		}
		if o.fatal != nil {
			return
		}
		if err != nil {
			o.logger.Debug("event ignored", "event", ev.eventName(), "state", prev.State, "reason", err)
			continue
		}

		o.snap = next
		o.observe(prev, next, ev)
		o.publish()
		for _, eff := range effects {
			if follow := o.execute(eff); follow != nil {
				pending = append(pending, follow)
			}
		}
	}
}

// apply runs the transition function. A panic there means the machine can no
// longer be trusted: the shutdown path runs with what is known and Run
// returns the failure.
func (o *Orchestrator) apply(ev Event) (next Snapshot, effects []Effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.fatal = fmt.Errorf("vending: transition logic failed on %s: %v", ev.eventName(), r)
			o.logger.Error("fatal transition fault", "error", o.fatal)
			o.payments.Stop()
			o.watchdog.DisarmAll()
			o.stopBackground()
			o.shutdown.Run(emergencyTeardown(o.snap))
			o.snap.State = models.StateShutdown
			o.publish()
			next, effects, err = o.snap, nil, o.fatal
		}
	}()
	return o.transition(o.snap, ev, o.now())
}

func emergencyTeardown(s Snapshot) Teardown {
	var td Teardown
	if t := s.Txn; t != nil {
		td.CancelInvoiceID = t.openInvoice()
		td.DenyVend = !t.VendResolved
		td.EndSession = s.State == models.StateDispensing
	}
	return td
}

func (o *Orchestrator) observe(prev, next Snapshot, ev Event) {
	if prev.State == next.State {
		return
	}
	ctx := context.Background()
	attrs := []any{"from", prev.State, "to", next.State, "event", ev.eventName(), "generation", next.Generation}
	if t := next.Txn; t != nil {
		attrs = append(attrs, "txn", t.ID)
	}
	o.logger.Info("transition", attrs...)
	o.cfg.Metrics.Transition(ctx, string(prev.State), string(next.State))

	if prev.State == models.StatePaymentPending && next.State == models.StatePaymentConfirmed && next.Txn != nil && next.Txn.Invoice != nil {
		o.cfg.Metrics.PaymentWait(ctx, o.now().Sub(next.Txn.Invoice.CreatedAt))
	}
}

func (o *Orchestrator) publish() {
	s := o.snap
	st := &Status{
		State:      s.State,
		Generation: s.Generation,
		Health:     s.Health,
		Since:      s.LastTransitionAt,
	}
	if t := s.Txn; t != nil {
		st.TransactionID = t.ID
		st.ItemID = t.Request.ItemID
		st.Price = t.Request.Price.StringFixed(2)
		st.Currency = t.Request.Currency
		if t.Invoice != nil {
			st.InvoiceID = t.Invoice.ID
			st.InvoiceStatus = t.Invoice.Status
		}
		if t.LastFault != nil {
			st.LastError = t.LastFault.Error()
		}
	}
	o.published.Store(st)
}

func (o *Orchestrator) busyStart() time.Time {
	n := o.busySince.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Status returns the state as of the last applied event.
func (o *Orchestrator) Status() Status {
	return *o.published.Load()
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) enqueue(ctx context.Context, env envelope) error {
	select {
	case o.events <- env:
		return nil
	case <-o.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitVendRequest hands a vend request to the machine and waits until it
// has been accepted or rejected. It returns ErrBusy unless the machine is
// Ready, and ErrShuttingDown once a shutdown was requested.
func (o *Orchestrator) SubmitVendRequest(ctx context.Context, req models.VendRequest) error {
	if o.stopping.Load() {
		return ErrShuttingDown
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = o.now()
	}

	reply := make(chan error, 1)
	ev := VendObserved{TxnID: uuid.NewString(), Request: req}
	if err := o.enqueue(ctx, envelope{ev: ev, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrShuttingDown
		}
	}
}

// OnPaymentStatus delivers an invoice status from polling or a push
// notification. Statuses for any invoice but the active one are ignored.
func (o *Orchestrator) OnPaymentStatus(invoiceID string, status models.InvoiceStatus) {
	_ = o.enqueue(context.Background(), envelope{ev: PaymentStatus{InvoiceID: invoiceID, Status: status}})
}

// HandleInvoiceStatus lets the orchestrator act as a gateway status handler.
func (o *Orchestrator) HandleInvoiceStatus(invoiceID string, status models.InvoiceStatus) {
	o.OnPaymentStatus(invoiceID, status)
}

// OnTimeout delivers a watchdog timer expiry.
func (o *Orchestrator) OnTimeout(kind TimerKind, generation uint64) {
	_ = o.enqueue(context.Background(), envelope{ev: Timeout{Kind: kind, Generation: generation}})
}

// RequestShutdown asks the machine to stop. It never blocks and may be called
// any number of times.
func (o *Orchestrator) RequestShutdown() {
	o.stopping.Store(true)
	o.shutdownOnce.Do(func() {
		o.logger.Info("shutdown requested")
		env := envelope{ev: ShutdownRequested{}}
		select {
		case o.events <- env:
		default:
			go func() { _ = o.enqueue(context.Background(), env) }()
		}
	})
}

func (o *Orchestrator) reportStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus) {
	_ = o.enqueue(ctx, envelope{ev: PaymentStatus{InvoiceID: invoiceID, Status: status}})
}

func (o *Orchestrator) reportHealth(ctx context.Context, h models.ComponentHealth) {
	_ = o.enqueue(ctx, envelope{ev: HealthReport{Health: h}})
}

func (o *Orchestrator) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.cfg.CallTimeout)
}

// execute performs one effect and returns the event describing its result,
// if the machine needs to know.
func (o *Orchestrator) execute(eff Effect) (follow Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("effect panicked", "effect", eff.effectName(), "panic", r)
			follow = FaultRaised{Err: &Fault{Kind: UnexpectedFault, Op: eff.effectName(), Err: fmt.Errorf("panic: %v", r)}}
		}
	}()

	switch e := eff.(type) {
	case CreateInvoice:
		ctx, cancel := o.callCtx()
		defer cancel()
		inv, err := o.cfg.Payment.CreateInvoice(ctx, e.Amount, e.Currency, e.Description)
		if err == nil {
			err = inv.Validate()
		}
		if err != nil {
			o.gatewayError("payment", "create_invoice", err)
			return InvoiceFailed{Err: &Fault{Kind: PaymentGatewayFault, Op: "create_invoice", Err: err}}
		}
		o.logger.Info("invoice created", "invoice", inv.ID, "amount", inv.Amount.String(), "currency", inv.Currency)
		return InvoiceCreated{Invoice: *inv}

	case CancelInvoice:
		ctx, cancel := o.callCtx()
		defer cancel()
		if err := o.cfg.Payment.CancelInvoice(ctx, e.InvoiceID); err != nil {
			o.gatewayError("payment", "cancel_invoice", err)
		}

	case ApproveVend:
		ctx, cancel := o.callCtx()
		defer cancel()
		if err := o.cfg.Hardware.ApproveVend(ctx); err != nil {
			o.gatewayError("hardware", "approve_vend", err)
			return ApproveFailed{Err: &Fault{Kind: HardwareFault, Op: "approve_vend", Err: err}}
		}
		return VendApproved{}

	case DenyVend:
		ctx, cancel := o.callCtx()
		defer cancel()
		if err := o.cfg.Hardware.DenyVend(ctx); err != nil {
			o.gatewayError("hardware", "deny_vend", err)
		}

	case EndSession:
		ctx, cancel := o.callCtx()
		defer cancel()
		if err := o.cfg.Hardware.EndSession(ctx); err != nil {
			o.gatewayError("hardware", "end_session", err)
			return SessionEndFailed{Err: &Fault{Kind: HardwareFault, Op: "end_session", Err: err}}
		}
		return SessionEnded{}

	case ArmTimer:
		o.watchdog.Arm(e.Kind, e.Generation, e.After)
	case DisarmTimer:
		o.watchdog.Disarm(e.Kind)
	case DisarmAll:
		o.watchdog.DisarmAll()
	case StartStatusPolling:
		o.payments.Start(e.InvoiceID)
	case StopStatusPolling:
		o.payments.Stop()

	case ShowReady, ShowPayableRequest, ShowPaymentStatus, ShowDispensing, ShowError, ShowHealth:
		o.present(eff)

	case RecordOutcome:
		o.recordOutcome(e.Record)

	case Teardown:
		o.stopBackground()
		o.shutdown.Run(e)

	default:
		o.logger.Error("unknown effect", "effect", fmt.Sprintf("%T", eff))
	}
	return nil
}

// present forwards to the sink. A misbehaving sink is logged and otherwise
// ignored; it must not influence the transaction.
func (o *Orchestrator) present(eff Effect) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("presentation sink panicked", "effect", eff.effectName(), "panic", r)
		}
	}()

	sink := o.cfg.Sink
	switch e := eff.(type) {
	case ShowReady:
		sink.ShowReady()
	case ShowPayableRequest:
		sink.ShowPayableRequest(e.Reference, e.Amount, e.Currency)
	case ShowPaymentStatus:
		sink.ShowPaymentStatus(e.Amount, e.Currency, e.Status)
	case ShowDispensing:
		sink.ShowDispensing(e.ItemID)
	case ShowError:
		sink.ShowError(e.Message)
	case ShowHealth:
		sink.ShowHealth(e.Health)
	}
}

func (o *Orchestrator) recordOutcome(rec models.TransactionRecord) {
	ctx, cancel := o.callCtx()
	defer cancel()

	o.cfg.Metrics.Outcome(ctx, string(rec.Outcome))
	o.logger.Info("transaction finished", "txn", rec.ID, "item", rec.ItemID, "outcome", rec.Outcome, "detail", rec.Detail)
	if o.cfg.History == nil {
		return
	}
	if err := o.cfg.History.Record(ctx, rec); err != nil {
		o.logger.Warn("failed to record transaction", "txn", rec.ID, "error", err)
	}
}

func (o *Orchestrator) gatewayError(gateway, op string, err error) {
	o.cfg.Metrics.GatewayError(context.Background(), gateway, op)
	o.logger.Warn("gateway call failed", "gateway", gateway, "op", op, "error", err)
}
