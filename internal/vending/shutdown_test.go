package vending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/GianGuaz256/pow-vending-machine/internal/display"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/mock"
)

func TestShutdownCoordinatorSettlesAndReleases(t *testing.T) {
	logger := testLogger()
	hw := mock.NewHardware(logger)
	pay := mock.NewPayment(0, logger)
	board := display.NewBoard()

	c := NewShutdownCoordinator(hw, pay, board, time.Second, logger)
	c.Run(Teardown{CancelInvoiceID: "inv-9", DenyVend: true, EndSession: true})

	assert.Equal(t, []string{"inv-9"}, pay.Cancelled())
	assert.Equal(t, mock.HardwareCalls{Denials: 1, SessionEnds: 1}, hw.Calls())
	assert.True(t, hw.Closed())
	assert.True(t, pay.Closed())
	assert.Equal(t, "Shutting Down", board.Current().Title)
	assert.False(t, board.CheckHealth(context.Background()))
}

func TestShutdownCoordinatorContinuesPastFailures(t *testing.T) {
	logger := testLogger()
	hw := mock.NewHardware(logger)
	pay := mock.NewPayment(0, logger)
	pay.FailCancel(errors.New("timeout"))
	hw.FailDeny(errors.New("bus error"))

	c := NewShutdownCoordinator(hw, pay, &recordingSink{}, time.Second, logger)
	c.Run(Teardown{CancelInvoiceID: "inv-1", DenyVend: true})

	assert.Equal(t, 1, hw.Calls().Denials)
	assert.True(t, hw.Closed())
	assert.True(t, pay.Closed())
}

func TestShutdownCoordinatorRunsOnce(t *testing.T) {
	logger := testLogger()
	hw := mock.NewHardware(logger)
	pay := mock.NewPayment(0, logger)

	c := NewShutdownCoordinator(hw, pay, &recordingSink{}, time.Second, logger)
	c.Run(Teardown{DenyVend: true})
	c.Run(Teardown{DenyVend: true})
	c.Release()

	assert.Equal(t, 1, hw.Calls().Denials)
}
