package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PGHistoryStore persists committed batch history to Postgres, so an
// Accumulator's fold can be replayed after a process restart (spec §4.10's
// batchHistory is otherwise held only in memory). Grounded on the
// teacher's pkg/database repository style: a thin wrapper over *sql.DB
// with its own table, JSON-encoded payload columns, and context-scoped
// queries.
type PGHistoryStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPGHistoryStore opens a connection to databaseURL and ensures the
// batch_history table exists.
func NewPGHistoryStore(ctx context.Context, databaseURL string) (*PGHistoryStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("batch: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("batch: ping postgres: %w", err)
	}
	store := &PGHistoryStore{db: db, logger: log.New(os.Stderr, "[batch-pg] ", log.LstdFlags)}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PGHistoryStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS batch_history (
	commit_index    INTEGER PRIMARY KEY,
	batch_root      TEXT NOT NULL,
	accumulator_root TEXT NOT NULL,
	timestamp       TEXT NOT NULL,
	item_count      INTEGER NOT NULL,
	items           JSONB NOT NULL
)`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("batch: ensure batch_history schema: %w", err)
	}
	return nil
}

// Append persists one committed batch's history entry, keyed by its
// position in the fold (commitIndex), alongside the accumulator root the
// fold produced at that point.
func (s *PGHistoryStore) Append(ctx context.Context, commitIndex int, accumulatorRoot string, entry HistoryEntry) error {
	itemsJSON, err := json.Marshal(entry.Items)
	if err != nil {
		return fmt.Errorf("batch: marshal history items: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO batch_history (commit_index, batch_root, accumulator_root, timestamp, item_count, items)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (commit_index) DO NOTHING`,
		commitIndex, entry.BatchRoot, accumulatorRoot, entry.Timestamp, entry.ItemCount, itemsJSON)
	if err != nil {
		return fmt.Errorf("batch: insert batch history row: %w", err)
	}
	return nil
}

// PersistedEntry is one row read back from batch_history.
type PersistedEntry struct {
	CommitIndex     int
	AccumulatorRoot string
	Entry           HistoryEntry
}

// LoadAll returns every persisted history entry in commit order, for
// rebuilding an Accumulator's history after a restart or for independently
// replaying the fold via Replay.
func (s *PGHistoryStore) LoadAll(ctx context.Context) ([]PersistedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT commit_index, batch_root, accumulator_root, timestamp, item_count, items
FROM batch_history ORDER BY commit_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("batch: query batch history: %w", err)
	}
	defer rows.Close()

	var out []PersistedEntry
	for rows.Next() {
		var (
			p         PersistedEntry
			itemsJSON []byte
		)
		if err := rows.Scan(&p.CommitIndex, &p.Entry.BatchRoot, &p.AccumulatorRoot, &p.Entry.Timestamp, &p.Entry.ItemCount, &itemsJSON); err != nil {
			return nil, fmt.Errorf("batch: scan batch history row: %w", err)
		}
		if err := json.Unmarshal(itemsJSON, &p.Entry.Items); err != nil {
			return nil, fmt.Errorf("batch: unmarshal history items: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *PGHistoryStore) Close() error {
	return s.db.Close()
}
