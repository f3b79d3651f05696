// Package store persists the last fetched price, and a short history of
// fetched prices, in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PaperCranium/BrowserSats/internal/logging"
	"github.com/PaperCranium/BrowserSats/internal/oracle"
)

// DefaultHistoryLimit bounds price_history.
const DefaultHistoryLimit = 2016

const schema = `
CREATE TABLE IF NOT EXISTS price_cache (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	price      REAL    NOT NULL,
	fetched_at INTEGER NOT NULL,
	source     TEXT    NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS price_history (
	fetched_at INTEGER NOT NULL,
	price      REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_fetched ON price_history(fetched_at);
`

// PriceStore is an oracle.Cache backed by a SQLite file.
type PriceStore struct {
	db           *sql.DB
	mu           sync.Mutex
	path         string
	historyLimit int
}

// Open creates or opens the database at path. ":memory:" is accepted.
func Open(path string) (*PriceStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening price store at %s", path)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PriceStore{db: db, path: path, historyLimit: DefaultHistoryLimit}, nil
}

// Close closes the database.
func (s *PriceStore) Close() error {
	return s.db.Close()
}

// LoadQuote implements oracle.Cache.
func (s *PriceStore) LoadQuote(ctx context.Context) (oracle.Quote, bool, error) {
	var (
		price  float64
		millis int64
		source string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT price, fetched_at, source FROM price_cache WHERE id = 1`).Scan(&price, &millis, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return oracle.Quote{}, false, nil
	}
	if err != nil {
		return oracle.Quote{}, false, fmt.Errorf("load price: %w", err)
	}
	return oracle.Quote{Price: price, FetchedAt: time.UnixMilli(millis), Source: oracle.Source(source)}, true, nil
}

// SaveQuote implements oracle.Cache. Each save is also appended to the
// history, which is trimmed to the configured limit.
func (s *PriceStore) SaveQuote(ctx context.Context, q oracle.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	millis := q.FetchedAt.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO price_cache (id, price, fetched_at, source) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET price = excluded.price, fetched_at = excluded.fetched_at, source = excluded.source`,
		q.Price, millis, string(q.Source)); err != nil {
		return fmt.Errorf("save price: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history (fetched_at, price, source) VALUES (?, ?, ?)`, millis, q.Price, string(q.Source)); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM price_history WHERE rowid NOT IN (
			SELECT rowid FROM price_history ORDER BY fetched_at DESC, rowid DESC LIMIT ?
		)`, s.historyLimit); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	logging.StoreDebug("saved price %.2f", q.Price)
	return nil
}

// History returns up to limit saved prices, newest first.
func (s *PriceStore) History(ctx context.Context, limit int) ([]oracle.Quote, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fetched_at, price, source FROM price_history ORDER BY fetched_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []oracle.Quote
	for rows.Next() {
		var millis int64
		var source string
		var q oracle.Quote
		if err := rows.Scan(&millis, &q.Price, &source); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		q.FetchedAt = time.UnixMilli(millis)
		q.Source = oracle.Source(source)
		out = append(out, q)
	}
	return out, rows.Err()
}

// SetHistoryLimit changes how many history rows are kept.
func (s *PriceStore) SetHistoryLimit(n int) {
	if n > 0 {
		s.mu.Lock()
		s.historyLimit = n
		s.mu.Unlock()
	}
}

// Path returns the database location.
func (s *PriceStore) Path() string {
	return s.path
}
