package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/config"
	"github.com/GianGuaz256/pow-vending-machine/internal/history"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/mock"
	"github.com/GianGuaz256/pow-vending-machine/internal/services/real"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parse(t *testing.T, yaml string) *config.ParsedConfig {
	t.Helper()
	t.Setenv("BTCPAY_SERVER_URL", "")
	t.Setenv("BTCPAY_STORE_ID", "")
	t.Setenv("BTCPAY_API_KEY", "")
	t.Setenv("VENDING_SERIAL_PORT", "")
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestCreateServicesStandalone(t *testing.T) {
	cfg := parse(t, "standalone_mode: true\n")

	hw, pay, err := CreateServices(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &mock.Hardware{}, hw)
	assert.IsType(t, &mock.Payment{}, pay)
}

func TestCreateServicesOnline(t *testing.T) {
	cfg := parse(t, `
standalone_mode: false
hardware:
  driver: mdb
  serial_port: /dev/does-not-exist
payment:
  driver: btcpay
  server_url: http://127.0.0.1:1
  store_id: store
  api_key: key
`)

	hw, pay, err := CreateServices(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.IsType(t, &real.MDB{}, hw)
	assert.IsType(t, &real.BTCPay{}, pay)
	assert.False(t, hw.CheckHealth(context.Background()))
	assert.NoError(t, hw.Close())
	assert.NoError(t, pay.Close())
}

func TestCreateHistory(t *testing.T) {
	rec := models.TransactionRecord{
		ID:         "txn-1",
		ItemID:     "7",
		Price:      decimal.RequireFromString("1.20"),
		Currency:   "EUR",
		Outcome:    models.OutcomeCompleted,
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
	}

	t.Run("none", func(t *testing.T) {
		cfg := parse(t, "history:\n  driver: none\n")
		h, err := CreateHistory(t.Context(), cfg, testLogger())
		require.NoError(t, err)
		assert.Nil(t, h.Recorder)
		assert.NoError(t, h.Close())
	})

	t.Run("memory", func(t *testing.T) {
		cfg := parse(t, "history:\n  driver: memory\n")
		h, err := CreateHistory(t.Context(), cfg, testLogger())
		require.NoError(t, err)
		require.IsType(t, &history.MemoryStore{}, h.Recorder)
		require.NoError(t, h.Recorder.Record(context.Background(), rec))

		got, err := h.Recorder.Recent(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "txn-1", got[0].ID)
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "history.db")
		cfg := parse(t, "history:\n  driver: sqlite\n  path: "+path+"\n")
		h, err := CreateHistory(t.Context(), cfg, testLogger())
		require.NoError(t, err)
		defer h.Close()
		require.IsType(t, &history.SQLiteStore{}, h.Recorder)
		require.NoError(t, h.Recorder.Record(context.Background(), rec))

		got, err := h.Recorder.Recent(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Price.Equal(rec.Price))
	})
}

func TestPruneSQLite(t *testing.T) {
	store, err := history.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()

	old := models.TransactionRecord{
		ID:         "old",
		Price:      decimal.NewFromInt(1),
		Currency:   "EUR",
		Outcome:    models.OutcomePaymentTimeout,
		StartedAt:  time.Now().Add(-48 * time.Hour),
		FinishedAt: time.Now().Add(-48 * time.Hour),
	}
	fresh := old
	fresh.ID, fresh.StartedAt, fresh.FinishedAt = "fresh", time.Now(), time.Now()
	require.NoError(t, store.Record(context.Background(), old))
	require.NoError(t, store.Record(context.Background(), fresh))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneSQLite(ctx, store, 5*time.Millisecond, 24*time.Hour, testLogger())
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, err := store.Recent(context.Background(), 10)
		return err == nil && len(got) == 1 && got[0].ID == "fresh"
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

type stuckHardware struct{ *mock.Hardware }

var errPortBusy = errors.New("serial port busy")

func (stuckHardware) Close() error { return errPortBusy }

func TestCloseServicesReleasesBoth(t *testing.T) {
	pay := mock.NewPayment(0, testLogger())

	err := CloseServices(stuckHardware{mock.NewHardware(testLogger())}, pay)
	assert.ErrorIs(t, err, errPortBusy)
	assert.ErrorContains(t, err, "close hardware")
	assert.True(t, pay.Closed())

	hw := mock.NewHardware(testLogger())
	require.NoError(t, CloseServices(hw, mock.NewPayment(0, testLogger())))
	assert.True(t, hw.Closed())

	assert.NoError(t, CloseServices(nil, nil))
}
