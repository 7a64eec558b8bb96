package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists transaction records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// modernc's driver serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);`,
		`CREATE INDEX IF NOT EXISTS transactions_finished_at ON transactions (finished_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, rec models.TransactionRecord) error {
	query := `INSERT INTO transactions (
		id, item_id, price, currency, invoice_id, outcome, detail, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ItemID, rec.Price.String(), rec.Currency, rec.InvoiceID, string(rec.Outcome), rec.Detail,
		rec.StartedAt.UTC().Format(timeLayout), rec.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]models.TransactionRecord, error) {
	query := `
	SELECT id, item_id, price, currency, invoice_id, outcome, detail, started_at, finished_at
	FROM transactions
	ORDER BY finished_at DESC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []models.TransactionRecord
	for rows.Next() {
		var (
			rec               models.TransactionRecord
			price, outcome    string
			started, finished string
		)
		if err := rows.Scan(&rec.ID, &rec.ItemID, &price, &rec.Currency, &rec.InvoiceID, &outcome, &rec.Detail, &started, &finished); err != nil {
			return nil, err
		}
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price for %s: %w", rec.ID, err)
		}
		rec.Outcome = models.Outcome(outcome)
		if rec.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("corrupt started_at for %s: %w", rec.ID, err)
		}
		if rec.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("corrupt finished_at for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records finished before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE finished_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
