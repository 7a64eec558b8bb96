package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/interfaces"
	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

var (
	_ interfaces.HistoryRecorder = (*MemoryStore)(nil)
	_ interfaces.HistoryRecorder = (*SQLiteStore)(nil)
)

func record(id string, outcome models.Outcome, finished time.Time) models.TransactionRecord {
	return models.TransactionRecord{
		ID:         id,
		ItemID:     "3",
		Price:      decimal.RequireFromString("1.50"),
		Currency:   "EUR",
		InvoiceID:  "inv-" + id,
		Outcome:    outcome,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStoreRecentAndCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ms := NewMemoryStore(time.Hour, testLogger())
	ms.now = func() time.Time { return now }

	require.NoError(t, ms.Record(ctx, record("a", models.OutcomeCompleted, now.Add(-2*time.Hour))))
	require.NoError(t, ms.Record(ctx, record("b", models.OutcomePaymentTimeout, now.Add(-time.Minute))))
	require.NoError(t, ms.Record(ctx, record("c", models.OutcomeCompleted, now)))
	assert.Error(t, ms.Record(ctx, record("c", models.OutcomeCompleted, now)))

	recent, err := ms.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	total, expired := ms.Stats()
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, expired)

	assert.Equal(t, 1, ms.Cleanup())
	total, _ = ms.Stats()
	assert.Equal(t, 2, total)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, record("a", models.OutcomeCompleted, now.Add(-48*time.Hour))))
	require.NoError(t, s.Record(ctx, record("b", models.OutcomeInvalidPrice, now)))
	assert.Error(t, s.Record(ctx, record("b", models.OutcomeInvalidPrice, now)))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, models.OutcomeInvalidPrice, recent[0].Outcome)
	assert.True(t, recent[0].Price.Equal(decimal.RequireFromString("1.50")))
	assert.True(t, recent[0].FinishedAt.Equal(now))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err = s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
