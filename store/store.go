// Package store defines the abstract contract every backing database must
// satisfy for the dispatch core ("store contract"). The core
// packages (outbox, inbox, lease, idempotency, scheduler) are written
// entirely against this package's DB and Dialect abstractions; they never
// import a driver directly. Concrete adapters live in store/postgres and
// store/sqlite.
//
// The abstraction is deliberately thin: it reuses database/sql's own
// Execer/Queryer shape (so *sql.DB and *sql.Tx both satisfy DB without
// adaptation) and adds only the one thing database/sql does not
// standardize across engines, how to express "claim up to N rows without
// blocking concurrent claimers", which Dialect.ClaimLockClause answers.
package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is a sentinel for single-row lookups that match no row. No
// package in this module returns it; the components define their own.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is a sentinel for a unique-constraint violation on an insert
// the caller can treat as an idempotent no-op (messageKey, jobName,
// (joinId, outboxMessageId), idempotencyKey). No package in this module
// returns it.
var ErrConflict = errors.New("store: conflict")

// Execer is the subset of database/sql used for running statements and
// queries. *sql.DB, *sql.Tx, and *sql.Conn all implement it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB additionally supports opening a transaction. Component constructors
// take a DB; EnqueueInTxn-style calls accept a plain Execer so a caller's
// own *sql.Tx can be passed straight through.
type DB interface {
	Execer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Dialect captures the handful of places engine SQL actually diverges.
// Everything else (schema DDL shape, column names, upsert syntax) is
// written once in each component package using ANSI SQL that both the
// Postgres and SQLite adapters accept unchanged.
type Dialect interface {
	// Name identifies the dialect for logging ("postgres", "sqlite").
	Name() string
	// Placeholder returns the positional parameter marker for the i-th
	// argument (1-based): "$1", "$2", ... for Postgres; "?" for SQLite
	// (which ignores i, all its placeholders are the same token).
	Placeholder(i int) string
	// ClaimLockClause returns the clause appended to a claim SELECT to
	// prevent two concurrent claimers from selecting the same row. Postgres
	// returns "FOR UPDATE SKIP LOCKED". SQLite has no row-level locking, so
	// it returns "", SQLite adapters instead serialize claims through a
	// single BEGIN IMMEDIATE writer, making the clause unnecessary.
	ClaimLockClause() string
}

// Rebind rewrites a query written with "?" placeholders into the dialect's
// native placeholder style. Component packages write their SQL once using
// "?" and call Rebind before executing, the same sqlx-style convention the
// rest of the ecosystem uses for multi-engine statements.
func Rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var out []byte
	arg := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			arg++
			out = append(out, []byte(d.Placeholder(arg))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}
