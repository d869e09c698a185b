package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tillpoint/terminal/internal/domain"
	"tillpoint/terminal/internal/store"
)

// Queue is the terminal-local durable store for sales captured while the
// backend is unreachable. Entries drain in insertion order; the local_id
// primary key makes a second capture of the same sale a no-op.
type Queue struct {
	db *sql.DB
}

func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS offline_queue (
			local_id   TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			attempts   INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			server_id  TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_queue_status ON offline_queue(status)`,
	}
}

func Open(path string) (*Queue, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock errors
	// from the driver under concurrent use.
	db.SetMaxOpenConns(1)

	for _, stmt := range migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate offline queue: %w", err)
		}
	}
	return &Queue{db: db}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) Enqueue(ctx context.Context, tx domain.Transaction) (domain.OfflineEntry, error) {
	if tx.LocalID == "" {
		return domain.OfflineEntry{}, store.ErrValidation
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return domain.OfflineEntry{}, err
	}
	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO offline_queue (local_id, payload, status, created_at)
		VALUES (?, ?, 'pending', ?)
		ON CONFLICT(local_id) DO NOTHING`,
		tx.LocalID, string(payload), now.Format(time.RFC3339Nano))
	if err != nil {
		return domain.OfflineEntry{}, err
	}
	return q.Get(ctx, tx.LocalID)
}

func (q *Queue) Get(ctx context.Context, localID string) (domain.OfflineEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT local_id, payload, status, attempts, last_error, created_at
		FROM offline_queue WHERE local_id = ?`, localID)
	return scanEntry(row)
}

// NextPending returns the oldest pending entry, or store.ErrNotFound when
// the queue is drained.
func (q *Queue) NextPending(ctx context.Context) (domain.OfflineEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT local_id, payload, status, attempts, last_error, created_at
		FROM offline_queue WHERE status = 'pending'
		ORDER BY rowid ASC LIMIT 1`)
	return scanEntry(row)
}

func (q *Queue) ListByStatus(ctx context.Context, status string, limit int) ([]domain.OfflineEntry, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT local_id, payload, status, attempts, last_error, created_at
		FROM offline_queue WHERE status = ?
		ORDER BY rowid ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.OfflineEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (q *Queue) MarkSynced(ctx context.Context, localID string, serverID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue SET status = 'synced', server_id = ?, last_error = ''
		WHERE local_id = ?`, serverID, localID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkFailed parks an entry permanently. Failed entries are never retried
// by the reconciler; they wait for operator review.
func (q *Queue) MarkFailed(ctx context.Context, localID string, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue SET status = 'failed', attempts = attempts + 1, last_error = ?
		WHERE local_id = ?`, reason, localID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordAttempt notes a transient replay failure while keeping the entry
// pending, so the next pass picks it up again.
func (q *Queue) RecordAttempt(ctx context.Context, localID string, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE offline_queue SET attempts = attempts + 1, last_error = ?
		WHERE local_id = ? AND status = 'pending'`, reason, localID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (q *Queue) Counts(ctx context.Context) (domain.QueueCounts, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM offline_queue GROUP BY status`)
	if err != nil {
		return domain.QueueCounts{}, err
	}
	defer rows.Close()

	var counts domain.QueueCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.QueueCounts{}, err
		}
		switch status {
		case "pending":
			counts.Pending = n
		case "failed":
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (domain.OfflineEntry, error) {
	var entry domain.OfflineEntry
	var payload, createdAt string
	err := row.Scan(&entry.LocalID, &payload, &entry.Status, &entry.Attempts, &entry.LastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OfflineEntry{}, store.ErrNotFound
	}
	if err != nil {
		return domain.OfflineEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
		return domain.OfflineEntry{}, fmt.Errorf("decode queued payload %s: %w", entry.LocalID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return entry, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
