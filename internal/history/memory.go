// Package history records finished vending transactions.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// MemoryStore keeps transaction records in memory, pruned by age.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.TransactionRecord
	maxAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewMemoryStore(maxAge time.Duration, logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.TransactionRecord),
		maxAge:  maxAge,
		logger:  logger.With("component", "history"),
		now:     time.Now,
	}
}

func (ms *MemoryStore) Record(_ context.Context, rec models.TransactionRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.records[rec.ID]; exists {
		return fmt.Errorf("transaction %s already recorded", rec.ID)
	}
	ms.records[rec.ID] = rec
	ms.logger.Debug("recorded transaction", "id", rec.ID, "outcome", rec.Outcome)
	return nil
}

// Recent returns up to limit records, newest first.
func (ms *MemoryStore) Recent(_ context.Context, limit int) ([]models.TransactionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	out := make([]models.TransactionRecord, 0, len(ms.records))
	for _, rec := range ms.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cleanup removes records older than the configured max age.
func (ms *MemoryStore) Cleanup() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	removed := 0
	for id, rec := range ms.records {
		if now.Sub(rec.FinishedAt) > ms.maxAge {
			delete(ms.records, id)
			removed++
		}
	}
	if removed > 0 {
		ms.logger.Debug("cleanup completed", "removed", removed)
	}
	return removed
}

// StartCleanupRoutine prunes old records every interval until ctx is done.
func (ms *MemoryStore) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ms.Cleanup()
			}
		}
	}()
	ms.logger.Debug("started cleanup routine", "interval", interval)
}

// Stats returns the number of stored records and how many are past max age.
func (ms *MemoryStore) Stats() (int, int) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := ms.now()
	expired := 0
	for _, rec := range ms.records {
		if now.Sub(rec.FinishedAt) > ms.maxAge {
			expired++
		}
	}
	return len(ms.records), expired
}
