// Package sqlite persists the contract_events log in an embedded SQLite
// database via the pure-Go modernc.org/sqlite driver, so catalog-change
// history survives a gateway restart and replay-on-resume can serve events
// older than the in-memory ring retains.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modulegate/gateway/internal/domain/contract"
)

const schema = `
CREATE TABLE IF NOT EXISTS contract_events (
	id         INTEGER PRIMARY KEY,
	profile_id TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	hash       TEXT    NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contract_events_profile_id
	ON contract_events(profile_id, id);
`

// ContractEventStore is the durable half of ContractWatch's event log:
// contract.Watch assigns ids and detects changes in memory; every detected
// change is appended here so replay survives restarts.
type ContractEventStore struct {
	db *sql.DB
}

// OpenContractEventStore opens (creating if needed) the database at path.
func OpenContractEventStore(path string) (*ContractEventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open contract event db: %w", err)
	}
	// modernc.org/sqlite allows one writer; serialize all access through a
	// single connection rather than surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate contract event db: %w", err)
	}
	return &ContractEventStore{db: db}, nil
}

// Append persists one detected contract change under the id contract.Watch
// assigned it.
func (s *ContractEventStore) Append(ctx context.Context, ev contract.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contract_events (id, profile_id, kind, hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ProfileID, string(ev.Kind), ev.Hash, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append contract event: %w", err)
	}
	return nil
}

// Since returns every event for profileID with id > lastSeen in ascending
// id order, the same contract as contract.Watch.Since.
func (s *ContractEventStore) Since(ctx context.Context, profileID string, lastSeen int64) ([]contract.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, kind, hash, created_at FROM contract_events
		 WHERE profile_id = ? AND id > ? ORDER BY id ASC`,
		profileID, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("query contract events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contract.Event
	for rows.Next() {
		var ev contract.Event
		var kind string
		var createdAt time.Time
		if err := rows.Scan(&ev.ID, &ev.ProfileID, &kind, &ev.Hash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan contract event: %w", err)
		}
		ev.Kind = contract.Kind(kind)
		ev.CreatedAt = createdAt
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastID returns the highest persisted event id, 0 when the log is empty.
// Used at boot to seed contract.Watch's id sequence past what earlier runs
// already assigned.
func (s *ContractEventStore) LastID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM contract_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("query last contract event id: %w", err)
	}
	return id.Int64, nil
}

// GC deletes events with id <= upTo for profileID; callers pass the oldest
// live session cursor so replay for every live session stays possible.
func (s *ContractEventStore) GC(ctx context.Context, profileID string, upTo int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM contract_events WHERE profile_id = ? AND id <= ?`, profileID, upTo)
	if err != nil {
		return fmt.Errorf("gc contract events: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *ContractEventStore) Close() error {
	return s.db.Close()
}
