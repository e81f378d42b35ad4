// Package idempotency implements key-scoped suppression of duplicate work:
// Store records which opaque keys are in flight, completed, or
// permanently failed, and Executor drives a single attempt
// through that store so retries of the same logical operation collapse
// into one execution. It follows the same atomic-upsert-with-a-WHERE-guard
// shape as oss.nandlabs.io/dispatch/lease, since both are "claim a row only
// if nobody else validly holds it" problems.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
)

var logger = l3.Get()

// Status is the outcome of BeginAsync against a key.
type Status int

const (
	// Fresh means the caller now holds the InProgress lock and should
	// execute the operation.
	Fresh Status = iota
	// AlreadyInProgress means another owner holds an unexpired lock.
	AlreadyInProgress
	// AlreadyCompleted means the key's operation already ran to success.
	AlreadyCompleted
	// AlreadyFailed means the key was permanently failed.
	AlreadyFailed
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case AlreadyInProgress:
		return "AlreadyInProgress"
	case AlreadyCompleted:
		return "AlreadyCompleted"
	case AlreadyFailed:
		return "AlreadyFailed"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a BeginAsync call.
type Result struct {
	Status Status
	// Owner and Deadline are populated when Status is AlreadyInProgress.
	Owner    owner.Token
	Deadline time.Time
	// Outcome is populated when Status is AlreadyCompleted.
	Outcome []byte
	// Reason is populated when Status is AlreadyFailed.
	Reason string
}

// ErrNotHeld is returned by CompleteAsync/FailAsync when the caller does
// not currently hold the key's InProgress lock.
var ErrNotHeld = errors.New("idempotency: not held")

// Store persists idempotency state for opaque keys. One Store instance is
// shared by every Executor in a process.
type Store struct {
	db      store.DB
	dialect store.Dialect
	table   string
	clock   clock.Clock
}

// New builds a Store backed by db, with the idempotency table qualified by
// schemaName ("" for the dialect default).
func New(db store.DB, dialect store.Dialect, schemaName string, clk clock.Clock) *Store {
	table := "dispatch_idempotency"
	if schemaName != "" {
		table = schemaName + "." + table
	}
	return &Store{db: db, dialect: dialect, table: table, clock: clk}
}

// DeploySchema creates the idempotency table if it does not already exist.
func (s *Store) DeploySchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
		key TEXT PRIMARY KEY,
		owner TEXT,
		state TEXT NOT NULL,
		outcome BLOB,
		reason TEXT,
		deadline_utc TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// BeginAsync attempts to take the InProgress lock for key. It succeeds
// (Status Fresh) when no row exists yet or the existing InProgress row's
// deadline has passed; otherwise it reports the key's current terminal or
// in-progress state without mutating it.
func (s *Store) BeginAsync(ctx context.Context, key string, self owner.Token, ttl time.Duration) (Result, error) {
	now := s.clock.Now()
	deadline := now.Add(ttl)

	insertQuery := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (key, owner, state, outcome, reason, deadline_utc, created_at, updated_at)
		VALUES (?, ?, 'InProgress', NULL, NULL, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			owner = excluded.owner,
			state = 'InProgress',
			outcome = NULL,
			reason = NULL,
			deadline_utc = excluded.deadline_utc,
			updated_at = excluded.updated_at
		WHERE %s.state = 'InProgress' AND %s.deadline_utc <= ?
		RETURNING state
	`, s.table, s.table, s.table))

	var state string
	row := s.db.QueryRowContext(ctx, insertQuery, key, self.String(), deadline, now, now, now)
	if err := row.Scan(&state); err == nil {
		return Result{Status: Fresh}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Result{}, err
	}

	// The upsert's WHERE guard rejected the write: the row exists and is
	// either Completed, Failed, or validly InProgress by someone else.
	// Read it back to report which.
	selectQuery := store.Rebind(s.dialect, fmt.Sprintf(`
		SELECT owner, state, outcome, reason, deadline_utc FROM %s WHERE key = ?
	`, s.table))
	var ownerStr, stateStr string
	var outcome []byte
	var reason sql.NullString
	var deadlineUtc time.Time
	if err := s.db.QueryRowContext(ctx, selectQuery, key).Scan(&ownerStr, &stateStr, &outcome, &reason, &deadlineUtc); err != nil {
		return Result{}, err
	}

	switch stateStr {
	case "Completed":
		return Result{Status: AlreadyCompleted, Outcome: outcome}, nil
	case "Failed":
		return Result{Status: AlreadyFailed, Reason: reason.String}, nil
	default:
		return Result{Status: AlreadyInProgress, Owner: owner.Token(ownerStr), Deadline: deadlineUtc}, nil
	}
}

// CompleteAsync marks key Completed with outcome, but only if self still
// holds its InProgress lock.
func (s *Store) CompleteAsync(ctx context.Context, key string, self owner.Token, outcome []byte) error {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET state = 'Completed', outcome = ?, updated_at = ?
		WHERE key = ? AND owner = ? AND state = 'InProgress'
	`, s.table))
	res, err := s.db.ExecContext(ctx, query, outcome, s.clock.Now(), key, self.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// FailAsync marks key Failed, but only if self still holds its InProgress
// lock. When permanent is false the row is deleted instead of set Failed,
// so the key starts Fresh again on the next attempt (the
// "deletion-on-release" path) rather than being rejected as AlreadyFailed.
func (s *Store) FailAsync(ctx context.Context, key string, self owner.Token, reason string, permanent bool) error {
	var query string
	var args []any
	if permanent {
		query = store.Rebind(s.dialect, fmt.Sprintf(`
			UPDATE %s SET state = 'Failed', reason = ?, updated_at = ?
			WHERE key = ? AND owner = ? AND state = 'InProgress'
		`, s.table))
		args = []any{reason, s.clock.Now(), key, self.String()}
	} else {
		query = store.Rebind(s.dialect, fmt.Sprintf(`
			DELETE FROM %s WHERE key = ? AND owner = ? AND state = 'InProgress'
		`, s.table))
		args = []any{key, self.String()}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	logger.DebugF("idempotency key %q failed (permanent=%v): %s", key, permanent, reason)
	return nil
}
