package publisher

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// OutboxEntry is one parked publish attempt awaiting replay.
type OutboxEntry struct {
	ID         int64
	AnalysisID string
	Topic      string
	Key        string
	Payload    []byte
	Attempts   int
	// AuditPending marks an entry parked before its AuditRecord committed
	//. Replay must re-append the audit
	// record and clear this flag before the event may be published.
	AuditPending bool
	CreatedAt    time.Time
}

// Outbox is the durable parking surface for events that exhausted their
// retry budget. SQLiteOutbox is the production backend; MemoryOutbox backs
// tests.
type Outbox interface {
	Save(ctx context.Context, entry OutboxEntry) (int64, error)
	Pending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkAuditCommitted(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
}

// SQLiteOutbox persists parked events to a local, pure-Go SQLite file so a
// process restart does not lose them.
type SQLiteOutbox struct {
	db *sql.DB
}

// NewSQLiteOutbox opens (creating if necessary) the outbox database at
// path and ensures its schema exists.
func NewSQLiteOutbox(path string) (*SQLiteOutbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("publisher: opening outbox db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, avoid SQLITE_BUSY
	const schema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	key TEXT NOT NULL,
	payload BLOB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	delivered INTEGER NOT NULL DEFAULT 0,
	audit_pending INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_entries(delivered, id);
`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("publisher: creating outbox schema: %w", err)
	}
	return &SQLiteOutbox{db: db}, nil
}

// Close releases the underlying database handle.
func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}

// Save inserts a new parked entry and returns its assigned id.
func (o *SQLiteOutbox) Save(ctx context.Context, entry OutboxEntry) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox_entries (analysis_id, topic, key, payload, attempts, audit_pending, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AnalysisID, entry.Topic, entry.Key, entry.Payload, entry.Attempts, entry.AuditPending, entry.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("publisher: saving outbox entry: %w", err)
	}
	return res.LastInsertId()
}

// Pending returns up to limit undelivered entries, oldest first, for the
// `replay-outbox` CLI path.
func (o *SQLiteOutbox) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, analysis_id, topic, key, payload, attempts, audit_pending, created_at FROM outbox_entries WHERE delivered = 0 ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("publisher: listing pending outbox entries: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AnalysisID, &e.Topic, &e.Key, &e.Payload, &e.Attempts, &e.AuditPending, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("publisher: scanning outbox entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered marks a parked entry as successfully replayed.
func (o *SQLiteOutbox) MarkDelivered(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox_entries SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("publisher: marking outbox entry delivered: %w", err)
	}
	return nil
}

// MarkAuditCommitted clears the audit_pending flag once the entry's
// AuditRecord has been re-appended during replay.
func (o *SQLiteOutbox) MarkAuditCommitted(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox_entries SET audit_pending = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("publisher: clearing outbox audit_pending: %w", err)
	}
	return nil
}

// IncrementAttempts records one more failed replay attempt against entry id.
func (o *SQLiteOutbox) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `UPDATE outbox_entries SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("publisher: incrementing outbox attempts: %w", err)
	}
	return nil
}

// MemoryOutbox is an in-process Outbox double used by tests.
type MemoryOutbox struct {
	entries []OutboxEntry
	nextID  int64
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

func (m *MemoryOutbox) Save(ctx context.Context, entry OutboxEntry) (int64, error) {
	m.nextID++
	entry.ID = m.nextID
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *MemoryOutbox) Pending(ctx context.Context, limit int) ([]OutboxEntry, error) {
	var out []OutboxEntry
	for _, e := range m.entries {
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryOutbox) MarkDelivered(ctx context.Context, id int64) error {
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryOutbox) MarkAuditCommitted(ctx context.Context, id int64) error {
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].AuditPending = false
		}
	}
	return nil
}

func (m *MemoryOutbox) IncrementAttempts(ctx context.Context, id int64) error {
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].Attempts++
		}
	}
	return nil
}
