package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// SQLiteSideStore persists replay entries to a local SQLite database. It is
// the durable tier for single-node brokers: entries survive restarts, and
// resuming clients whose cursor predates the memory ring are served from
// here. Entry bodies are stored as CBOR blobs so the schema never chases the
// envelope format.
type SQLiteSideStore struct {
	db *sql.DB
}

// NewSQLiteSideStore opens (and if needed creates) the database at path.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteSideStore(path string) (*SQLiteSideStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open replay database: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under the store's concurrent background writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping replay database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS replay_entries (
	partition  INTEGER NOT NULL,
	offset     INTEGER NOT NULL,
	thread_key TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	stored_at  INTEGER NOT NULL,
	body       BLOB    NOT NULL,
	PRIMARY KEY (partition, offset)
);
CREATE INDEX IF NOT EXISTS idx_replay_thread ON replay_entries (thread_key, seq);
CREATE INDEX IF NOT EXISTS idx_replay_stored_at ON replay_entries (stored_at);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create replay schema: %w", err)
	}

	return &SQLiteSideStore{db: db}, nil
}

func (s *SQLiteSideStore) Put(ctx context.Context, threadKey string, e Entry) error {
	body, err := encodeSideRecord(e)
	if err != nil {
		return fmt.Errorf("encode replay entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO replay_entries (partition, offset, thread_key, seq, stored_at, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Position.Partition, e.Position.Offset, threadKey, e.Sequence, e.StoredAt.UnixNano(), body,
	)
	if err != nil {
		return fmt.Errorf("insert replay entry: %w", err)
	}
	return nil
}

func (s *SQLiteSideStore) ThreadAfter(ctx context.Context, threadKey string, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = sideFetchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM replay_entries WHERE thread_key = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		threadKey, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query thread replay: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteSideStore) PartitionAfter(ctx context.Context, partition int32, afterOffset int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = sideFetchLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM replay_entries WHERE partition = ? AND offset > ? ORDER BY offset ASC LIMIT ?`,
		partition, afterOffset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query partition replay: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteSideStore) Partitions(ctx context.Context) ([]int32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT partition FROM replay_entries ORDER BY partition ASC`)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var out []int32
	for rows.Next() {
		var p int32
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteSideStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_entries WHERE stored_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune replay entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLiteSideStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		e, err := decodeSideRecord(body)
		if err != nil {
			return nil, fmt.Errorf("decode replay entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
