// Package inbox implements the dedup + ordered-processing counterpart to
// outbox: a duplicate (source, messageKey) Accept is a silent no-op, and
// rows sharing a source are processed one at a time. It deliberately
// mirrors outbox's claim/ack/abandon/fail/reap mechanics statement for
// statement rather than embedding *outbox.Outbox: the per-source ordering
// restriction changes the claim query's WHERE clause in a way a thin
// wrapper around outbox's claim couldn't express, so Inbox keeps its own
// db/dialect/table/clock fields and its own copy of each operation,
// adapted for the dedup column and the source partition.
package inbox

import (
	"database/sql"
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
)

var logger = l3.Get()

// Message is an inbox row; it carries everything outbox.Message does plus
// the partition key (source) inbox orders around.
type Message struct {
	*outbox.Message
	Source string
}

// Inbox is one dedup + ordered work queue.
type Inbox struct {
	db      store.DB
	dialect store.Dialect
	table   string
	clock   clock.Clock
}

// New builds an Inbox over db, with its table qualified by schemaName.
func New(db store.DB, dialect store.Dialect, schemaName string, clk clock.Clock) *Inbox {
	table := "dispatch_inbox"
	if schemaName != "" {
		table = schemaName + "." + table
	}
	return &Inbox{db: db, dialect: dialect, table: table, clock: clk}
}

// DeploySchema creates the inbox table, its (source, message_key)
// uniqueness index, and the claim-support index.
func (i *Inbox) DeploySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + i.table + ` (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			message_key TEXT NOT NULL,
			correlation_id TEXT,
			status TEXT NOT NULL,
			owner TEXT,
			locked_until TIMESTAMP,
			due_time_utc TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + sanitize(i.table) + `_source_key ON ` + i.table + ` (source, message_key)`,
		`CREATE INDEX IF NOT EXISTS idx_` + sanitize(i.table) + `_claim ON ` + i.table + ` (status, due_time_utc, created_at, id)`,
	}
	for _, stmt := range ddl {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Accept records an inbound message under (source, messageKey). A
// duplicate is a silent no-op: the id and status of the existing row are
// returned instead of an error.
func (i *Inbox) Accept(ctx context.Context, source, messageKey, topic string, payload []byte) (id string, status outbox.Status, err error) {
	newID, genErr := newID()
	if genErr != nil {
		return "", "", genErr
	}

	insert := store.Rebind(i.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, source, topic, payload, message_key, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, 'Pending', 0, ?)
		ON CONFLICT (source, message_key) DO NOTHING
	`, i.table))
	if _, err = i.db.ExecContext(ctx, insert, newID, source, topic, payload, messageKey, i.clock.Now()); err != nil {
		return "", "", err
	}

	row := store.Rebind(i.dialect, fmt.Sprintf(`SELECT id, status FROM %s WHERE source = ? AND message_key = ?`, i.table))
	err = i.db.QueryRowContext(ctx, row, source, messageKey).Scan(&id, &status)
	return id, status, err
}

// Claim selects, for each source that has no row currently Leased, that
// source's oldest Pending row (by created_at, then id) when it is due, up to
// batch rows in all, transitions them to Leased under self, and returns the
// full rows, enforcing the "one handler in flight per source at a time"
// ordering rule.
func (i *Inbox) Claim(ctx context.Context, self owner.Token, leaseSeconds int, batch int) ([]*Message, error) {
	now := i.clock.Now()
	until := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := store.Rebind(i.dialect, fmt.Sprintf(`
		WITH busy AS (
			SELECT DISTINCT source FROM %s WHERE status = 'Leased'
		), claimed AS (
			SELECT id FROM %s AS c
			WHERE status = 'Pending'
				AND (locked_until IS NULL OR locked_until <= ?)
				AND (due_time_utc IS NULL OR due_time_utc <= ?)
				AND source NOT IN (SELECT source FROM busy)
				AND NOT EXISTS (
					SELECT 1 FROM %s AS e
					WHERE e.source = c.source AND e.status = 'Pending'
						AND (e.created_at < c.created_at OR (e.created_at = c.created_at AND e.id < c.id))
				)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
			%s
		)
		UPDATE %s SET status = 'Leased', owner = ?, locked_until = ?
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, source, topic, payload, message_key, correlation_id, status, owner,
			locked_until, due_time_utc, retry_count, last_error, created_at, processed_at
	`, i.table, i.table, i.table, i.dialect.ClaimLockClause(), i.table))

	rows, err := i.db.QueryContext(ctx, query, now, now, batch, self.String(), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &outbox.Message{}
		var src string
		var ownerStr, messageKey, correlationID, lastError sql.NullString
		var lockedUntil, dueTimeUtc, processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &src, &m.Topic, &m.Payload, &messageKey, &correlationID, &m.Status,
			&ownerStr, &lockedUntil, &dueTimeUtc, &m.RetryCount, &lastError, &m.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		m.MessageKey = messageKey.String
		m.CorrelationID = correlationID.String
		m.LastError = lastError.String
		m.Owner = owner.Token(ownerStr.String)
		if lockedUntil.Valid {
			t := lockedUntil.Time
			m.LockedUntil = &t
		}
		if dueTimeUtc.Valid {
			t := dueTimeUtc.Time
			m.DueTimeUtc = &t
		}
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		out = append(out, &Message{Message: m, Source: src})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	logger.DebugF("inbox %s claimed %d rows for %s", i.table, len(out), self)
	return out, nil
}

// Ack, Abandon, Fail, ReapExpired, RetentionSweep, and ListFailed run the
// same updates as outbox.Outbox's methods of those names; Inbox does not
// embed *outbox.Outbox for these because its table carries the extra
// source column ListFailed's callers usually want back, so each is
// restated against i.table directly. Unlike outbox.Outbox, Ack, Abandon
// and Fail stop at the first id whose update fails and return that error.

func (i *Inbox) Ack(ctx context.Context, self owner.Token, ids []string) error {
	return execEach(ctx, i, ids, func(id string) (string, []any) {
		return fmt.Sprintf(`
			UPDATE %s SET status = 'Dispatched', owner = NULL, locked_until = NULL, processed_at = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, i.table), []any{i.clock.Now(), id, self.String()}
	})
}

func (i *Inbox) Abandon(ctx context.Context, self owner.Token, ids []string, handlerErr string, retryDelay time.Duration) error {
	now := i.clock.Now()
	var due any
	if retryDelay > 0 {
		due = now.Add(retryDelay)
	}
	return execEach(ctx, i, ids, func(id string) (string, []any) {
		return fmt.Sprintf(`
			UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL,
				retry_count = retry_count + 1, last_error = ?, due_time_utc = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, i.table), []any{handlerErr, due, id, self.String()}
	})
}

func (i *Inbox) Fail(ctx context.Context, self owner.Token, ids []string, handlerErr string) error {
	return execEach(ctx, i, ids, func(id string) (string, []any) {
		return fmt.Sprintf(`
			UPDATE %s SET status = 'Failed', owner = NULL, locked_until = NULL, last_error = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, i.table), []any{handlerErr, id, self.String()}
	})
}

func (i *Inbox) ReapExpired(ctx context.Context) (int64, error) {
	now := i.clock.Now()
	query := store.Rebind(i.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL
		WHERE status = 'Leased' AND locked_until <= ?
	`, i.table))
	res, err := i.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (i *Inbox) RetentionSweep(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	cutoff := i.clock.Now().Add(-retentionPeriod)
	query := store.Rebind(i.dialect, fmt.Sprintf(`
		DELETE FROM %s WHERE status = 'Dispatched' AND processed_at < ?
	`, i.table))
	res, err := i.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFailed returns up to limit Failed rows for source, most recent
// first.
func (i *Inbox) ListFailed(ctx context.Context, source string, limit int) ([]*Message, error) {
	query := store.Rebind(i.dialect, fmt.Sprintf(`
		SELECT id, source, topic, payload, message_key, correlation_id, status, owner,
			locked_until, due_time_utc, retry_count, last_error, created_at, processed_at
		FROM %s WHERE status = 'Failed' AND source = ?
		ORDER BY created_at DESC LIMIT ?
	`, i.table))
	rows, err := i.db.QueryContext(ctx, query, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &outbox.Message{}
		var src string
		var ownerStr, messageKey, correlationID, lastError sql.NullString
		var lockedUntil, dueTimeUtc, processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &src, &m.Topic, &m.Payload, &messageKey, &correlationID, &m.Status,
			&ownerStr, &lockedUntil, &dueTimeUtc, &m.RetryCount, &lastError, &m.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		m.MessageKey = messageKey.String
		m.CorrelationID = correlationID.String
		m.LastError = lastError.String
		m.Owner = owner.Token(ownerStr.String)
		if lockedUntil.Valid {
			t := lockedUntil.Time
			m.LockedUntil = &t
		}
		if dueTimeUtc.Valid {
			t := dueTimeUtc.Time
			m.DueTimeUtc = &t
		}
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		out = append(out, &Message{Message: m, Source: src})
	}
	return out, rows.Err()
}

func execEach(ctx context.Context, i *Inbox, ids []string, build func(id string) (string, []any)) error {
	for _, id := range ids {
		q, args := build(id)
		if _, err := i.db.ExecContext(ctx, store.Rebind(i.dialect, q), args...); err != nil {
			return fmt.Errorf("inbox op on %s: %w", id, err)
		}
	}
	return nil
}
