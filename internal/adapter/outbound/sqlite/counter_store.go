package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/modulegate/gateway/internal/domain/ratelimit"
)

const counterSchema = `
CREATE TABLE IF NOT EXISTS rate_counters (
	key             TEXT PRIMARY KEY,
	window_start    TIMESTAMP NOT NULL,
	count           INTEGER NOT NULL,
	quota_remaining INTEGER NOT NULL,
	quota_set       INTEGER NOT NULL,
	version         INTEGER NOT NULL
);
`

// CounterStore implements ratelimit.CounterStore on SQLite, so limiter
// state for an API key survives restarts and is shared across concurrent
// sessions through versioned compare-and-swap updates.
type CounterStore struct {
	db *sql.DB
}

// OpenCounterStore opens (creating if needed) the limiter state database at
// path.
func OpenCounterStore(path string) (*CounterStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open counter db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(counterSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate counter db: %w", err)
	}
	return &CounterStore{db: db}, nil
}

// Load implements ratelimit.CounterStore.
func (s *CounterStore) Load(ctx context.Context, key string) (ratelimit.Record, bool, error) {
	var rec ratelimit.Record
	var windowStart time.Time
	var quotaSet int
	err := s.db.QueryRowContext(ctx,
		`SELECT window_start, count, quota_remaining, quota_set, version FROM rate_counters WHERE key = ?`,
		key).Scan(&windowStart, &rec.Count, &rec.QuotaRemaining, &quotaSet, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Record{}, false, nil
	}
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("load counter: %w", err)
	}
	rec.WindowStart = windowStart
	rec.QuotaConfigured = quotaSet != 0
	return rec, true, nil
}

// CAS implements ratelimit.CounterStore: the row is replaced only when its
// stored version still matches expectedVersion (0 meaning "no row yet"),
// so two sessions racing on the same key can never both win an increment.
func (s *CounterStore) CAS(ctx context.Context, key string, expectedVersion int64, next ratelimit.Record) (bool, error) {
	quotaSet := 0
	if next.QuotaConfigured {
		quotaSet = 1
	}

	if expectedVersion == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rate_counters (key, window_start, count, quota_remaining, quota_set, version)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key, next.WindowStart.UTC(), next.Count, next.QuotaRemaining, quotaSet, next.Version)
		if err != nil {
			// A concurrent insert on the same key loses the race, which is
			// exactly a CAS miss, not a store failure.
			return false, nil
		}
		return true, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE rate_counters SET window_start = ?, count = ?, quota_remaining = ?, quota_set = ?, version = ?
		 WHERE key = ? AND version = ?`,
		next.WindowStart.UTC(), next.Count, next.QuotaRemaining, quotaSet, next.Version, key, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("cas counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas counter rows: %w", err)
	}
	return affected == 1, nil
}

// Close closes the underlying database.
func (s *CounterStore) Close() error {
	return s.db.Close()
}

var _ ratelimit.CounterStore = (*CounterStore)(nil)
