// Package outbox implements the transactional outbox: application code
// enqueues messages alongside its own domain writes, and dispatcher loops
// claim, execute, and finalize them with at-least-once delivery. It is
// grounded on the same "claim under a lock, retry with backoff, reap
// abandoned leases" shape the chrono package uses for its job storage
// (chrono/storage.go, chrono/inmemory_storage.go), generalized
// from a single in-process job table into an arbitrary, multi-writer,
// SQL-backed work queue.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/errutils"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
	"oss.nandlabs.io/dispatch/uuid"
)

var logger = l3.Get()

// Status is the lifecycle state of one outbox row.
type Status string

const (
	Pending    Status = "Pending"
	Leased     Status = "Leased"
	Dispatched Status = "Dispatched"
	Failed     Status = "Failed"
)

// Message is one outbox row, returned in full by Claim so handlers never
// need a second round trip to read the payload they were handed.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	MessageKey    string
	CorrelationID string
	Status        Status
	Owner         owner.Token
	LockedUntil   *time.Time
	DueTimeUtc    *time.Time
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Outbox is one logical work queue backed by a single table in a single
// store. Router builds one per store and caches it behind its per-store
// adapter handle.
type Outbox struct {
	db      store.DB
	dialect store.Dialect
	table   string
	clock   clock.Clock
}

// New builds an Outbox over db, with its table qualified by schemaName
// ("" for the dialect default). The table name itself is always
// dispatch_outbox.
func New(db store.DB, dialect store.Dialect, schemaName string, clk clock.Clock) *Outbox {
	table := "dispatch_outbox"
	if schemaName != "" {
		table = schemaName + "." + table
	}
	return &Outbox{db: db, dialect: dialect, table: table, clock: clk}
}

// Enqueue inserts one Pending row. messageKey, correlationID, and dueTime
// are optional (pass "" / zero time.Time to omit them). A non-empty
// messageKey makes the insert idempotent: a duplicate key is a silent
// no-op, not an error.
func (o *Outbox) Enqueue(ctx context.Context, topic string, payload []byte, messageKey, correlationID string, dueTimeUtc time.Time) (string, error) {
	return o.EnqueueInTxn(ctx, o.db, topic, payload, messageKey, correlationID, dueTimeUtc)
}

// EnqueueInTxn is Enqueue against a caller-supplied Execer (typically a
// *sql.Tx already carrying the caller's own domain writes), so the insert
// commits atomically with them.
func (o *Outbox) EnqueueInTxn(ctx context.Context, exec store.Execer, topic string, payload []byte, messageKey, correlationID string, dueTimeUtc time.Time) (string, error) {
	id, err := uuid.V4()
	if err != nil {
		return "", err
	}

	var keyArg any
	if messageKey != "" {
		keyArg = messageKey
	}
	var corrArg any
	if correlationID != "" {
		corrArg = correlationID
	}
	var dueArg any
	if !dueTimeUtc.IsZero() {
		dueArg = dueTimeUtc
	}

	query := store.Rebind(o.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, message_key, correlation_id, status, retry_count, due_time_utc, created_at)
		VALUES (?, ?, ?, ?, ?, 'Pending', 0, ?, ?)
		ON CONFLICT (message_key) DO NOTHING
	`, o.table))

	now := o.clock.Now()
	if _, err := exec.ExecContext(ctx, query, id.String(), topic, payload, keyArg, corrArg, dueArg, now); err != nil {
		return "", err
	}

	if messageKey == "" {
		return id.String(), nil
	}

	// Report the id that actually ended up owning the key, the row we
	// just inserted if we won the race, or the pre-existing row if a
	// concurrent duplicate Enqueue got there first.
	existing := store.Rebind(o.dialect, fmt.Sprintf(`SELECT id FROM %s WHERE message_key = ?`, o.table))
	var existingID string
	if err := o.db.QueryRowContext(ctx, existing, messageKey).Scan(&existingID); err != nil {
		return "", err
	}
	return existingID, nil
}

// Claim selects up to batch Pending-and-due rows, transitions them to
// Leased under self, and returns the full rows. The WHERE/ORDER/LIMIT
// shape and the dialect's ClaimLockClause together give skip-locked
// semantics so concurrent claimers never contend for the same row.
func (o *Outbox) Claim(ctx context.Context, self owner.Token, leaseSeconds int, batch int) ([]*Message, error) {
	now := o.clock.Now()
	until := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := store.Rebind(o.dialect, fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM %s
			WHERE status = 'Pending'
				AND (locked_until IS NULL OR locked_until <= ?)
				AND (due_time_utc IS NULL OR due_time_utc <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
			%s
		)
		UPDATE %s SET status = 'Leased', owner = ?, locked_until = ?
		WHERE id IN (SELECT id FROM claimed)
		RETURNING id, topic, payload, message_key, correlation_id, status, owner,
			locked_until, due_time_utc, retry_count, last_error, created_at, processed_at
	`, o.table, o.dialect.ClaimLockClause(), o.table))

	rows, err := o.db.QueryContext(ctx, query, now, now, batch, self.String(), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	logger.DebugF("outbox %s claimed %d rows for %s", o.table, len(msgs), self)
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m := &Message{}
		var ownerStr sql.NullString
		var messageKey, correlationID, lastError sql.NullString
		var lockedUntil, dueTimeUtc, processedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &messageKey, &correlationID, &m.Status,
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
		out = append(out, m)
	}
	return out, rows.Err()
}

// Ack transitions ids from Leased-by-self to Dispatched. Rows leased by a
// different owner (lease expired and reclaimed elsewhere) are silently
// skipped, matching the "only affects rows still Leased by owner" rule.
func (o *Outbox) Ack(ctx context.Context, self owner.Token, ids []string) error {
	return o.ackExec(ctx, o.db, self, ids)
}

func (o *Outbox) ackExec(ctx context.Context, exec store.Execer, self owner.Token, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := o.clock.Now()
	var agg errutils.MultiError
	for _, id := range ids {
		query := store.Rebind(o.dialect, fmt.Sprintf(`
			UPDATE %s SET status = 'Dispatched', owner = NULL, locked_until = NULL, processed_at = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, o.table))
		if _, err := exec.ExecContext(ctx, query, now, id, self.String()); err != nil {
			agg.Add(fmt.Errorf("ack %s: %w", id, err))
		}
	}
	if agg.HasErrors() {
		return &agg
	}
	return nil
}

// Abandon returns ids to Pending, bumping retryCount and recording error.
// retryDelay, if non-zero, sets dueTimeUtc = now + retryDelay; otherwise
// the row becomes immediately claimable again.
func (o *Outbox) Abandon(ctx context.Context, self owner.Token, ids []string, handlerErr string, retryDelay time.Duration) error {
	now := o.clock.Now()
	var due any
	if retryDelay > 0 {
		due = now.Add(retryDelay)
	}

	var agg errutils.MultiError
	for _, id := range ids {
		query := store.Rebind(o.dialect, fmt.Sprintf(`
			UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL,
				retry_count = retry_count + 1, last_error = ?, due_time_utc = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, o.table))
		if _, err := o.db.ExecContext(ctx, query, handlerErr, due, id, self.String()); err != nil {
			agg.Add(fmt.Errorf("abandon %s: %w", id, err))
		}
	}
	if agg.HasErrors() {
		return &agg
	}
	return nil
}

// Fail transitions ids to the terminal Failed state.
func (o *Outbox) Fail(ctx context.Context, self owner.Token, ids []string, handlerErr string) error {
	return o.failExec(ctx, o.db, self, ids, handlerErr)
}

func (o *Outbox) failExec(ctx context.Context, exec store.Execer, self owner.Token, ids []string, handlerErr string) error {
	var agg errutils.MultiError
	for _, id := range ids {
		query := store.Rebind(o.dialect, fmt.Sprintf(`
			UPDATE %s SET status = 'Failed', owner = NULL, locked_until = NULL, last_error = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, o.table))
		if _, err := exec.ExecContext(ctx, query, handlerErr, id, self.String()); err != nil {
			agg.Add(fmt.Errorf("fail %s: %w", id, err))
		}
	}
	if agg.HasErrors() {
		return &agg
	}
	return nil
}

// ReapExpired restores Leased rows whose lockedUntil has passed back to
// Pending, without bumping retryCount, the worker crashed without
// reporting any outcome, so this is not counted as a retry attempt.
func (o *Outbox) ReapExpired(ctx context.Context) (int64, error) {
	now := o.clock.Now()
	query := store.Rebind(o.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL
		WHERE status = 'Leased' AND locked_until <= ?
	`, o.table))
	res, err := o.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.InfoF("outbox %s reaped %d expired leases", o.table, n)
	}
	return n, nil
}

// RetentionSweep deletes Dispatched rows older than retentionPeriod.
func (o *Outbox) RetentionSweep(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	cutoff := o.clock.Now().Add(-retentionPeriod)
	query := store.Rebind(o.dialect, fmt.Sprintf(`
		DELETE FROM %s WHERE status = 'Dispatched' AND processed_at < ?
	`, o.table))
	res, err := o.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFailed returns up to limit Failed rows for topic, most recent first,
// for operator inspection of the dead-letter set.
func (o *Outbox) ListFailed(ctx context.Context, topic string, limit int) ([]*Message, error) {
	query := store.Rebind(o.dialect, fmt.Sprintf(`
		SELECT id, topic, payload, message_key, correlation_id, status, owner,
			locked_until, due_time_utc, retry_count, last_error, created_at, processed_at
		FROM %s WHERE status = 'Failed' AND topic = ?
		ORDER BY created_at DESC LIMIT ?
	`, o.table))
	rows, err := o.db.QueryContext(ctx, query, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ErrNotFound is returned when a looked-up row does not exist (GetJoin for
// an unknown join id), so callers can tell "no such row" from a genuine
// store error.
var ErrNotFound = errors.New("outbox: not found")

// DefaultRetryDelay implements the module-wide backoff law: min(60s, 250ms
// * 2^min(10, attempt)) + jitter in [0, 250ms). It is a pure function of
// attempt, not a local retry loop, so it is a direct formula rather than
// something github.com/cenkalti/backoff/v4 drives, that library solves
// "retry this call until it stops erroring", not "compute the due time to
// stamp on a persisted row".
func DefaultRetryDelay(attempt int) time.Duration {
	exp := attempt
	if exp > 10 {
		exp = 10
	}
	base := 250 * time.Millisecond * time.Duration(math.Pow(2, float64(exp)))
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	return base + jitter
}
