package mock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

var ErrClosed = errors.New("mock: gateway closed")

// HardwareCalls counts the decisions sent to the simulated mechanism.
type HardwareCalls struct {
	Approvals   int
	Denials     int
	SessionEnds int
}

// Hardware simulates the vending mechanism. Vend requests are injected by
// tests or the HTTP simulation endpoint and handed out once each.
type Hardware struct {
	mu      sync.Mutex
	pending []models.VendRequest
	calls   HardwareCalls
	healthy bool
	closed  bool

	pollErr    error
	approveErr error
	denyErr    error
	endErr     error

	logger *slog.Logger
}

// NewHardware creates an in-memory hardware gateway.
func NewHardware(logger *slog.Logger) *Hardware {
	return &Hardware{
		healthy: true,
		logger:  logger.With("component", "mock-hardware"),
	}
}

// InjectVendRequest queues a request as if a customer had pressed a button.
func (h *Hardware) InjectVendRequest(req models.VendRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	h.pending = append(h.pending, req)
	h.logger.Info("vend request injected", "item", req.ItemID, "price", req.Price.String())
}

func (h *Hardware) PollVendRequest(context.Context) (*models.VendRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if h.pollErr != nil {
		return nil, h.pollErr
	}
	if len(h.pending) == 0 {
		return nil, nil
	}
	req := h.pending[0]
	h.pending = h.pending[1:]
	return &req, nil
}

func (h *Hardware) ApproveVend(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls.Approvals++
	h.logger.Info("vend approved")
	return h.approveErr
}

func (h *Hardware) DenyVend(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls.Denials++
	h.logger.Info("vend denied")
	return h.denyErr
}

func (h *Hardware) EndSession(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls.SessionEnds++
	h.logger.Info("session ended")
	return h.endErr
}

func (h *Hardware) CheckHealth(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy && !h.closed
}

// Reconnect restores health, as a re-opened serial port would.
func (h *Hardware) Reconnect(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	h.healthy = true
	return nil
}

func (h *Hardware) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Calls returns the decision counters.
func (h *Hardware) Calls() HardwareCalls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// Closed reports whether Close was called.
func (h *Hardware) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SetHealthy sets the result of CheckHealth.
func (h *Hardware) SetHealthy(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = ok
}

// FailPoll makes PollVendRequest return err; nil clears it.
func (h *Hardware) FailPoll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pollErr = err
}

// FailApprove makes ApproveVend return err. nil clears it.
func (h *Hardware) FailApprove(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.approveErr = err
}

// FailDeny makes DenyVend return err.
func (h *Hardware) FailDeny(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denyErr = err
}

// FailEndSession makes EndSession return err.
func (h *Hardware) FailEndSession(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endErr = err
}
