// Package sqlite is the embedded/single-process store.Dialect, backed by
// github.com/mattn/go-sqlite3. SQLite has no FOR UPDATE SKIP LOCKED: only
// one writer may hold the database lock at a time, so instead of trying to
// claim disjoint rows concurrently this adapter serializes every writing
// statement (claim, ack, abandon, fail, enqueue) through database/sql's own
// connection pool rather than a bespoke one: Open caps the pool at a single
// connection and sets the driver's "_txlock=immediate" DSN option, so every
// *sql.Tx this process opens issues BEGIN IMMEDIATE instead of SQLite's
// default deferred BEGIN. That gives the outbox/inbox/lease/scheduler
// packages claim semantics equivalent to Postgres's SKIP LOCKED without
// SQLite ever needing to support it: only one writer transaction exists at
// a time, so there is nothing for a second claimer to block on or skip,
// and *sql.DB's native Conn lifecycle (not a hand-rolled pool) is what
// hands that single connection out to whichever caller asks for it next.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"oss.nandlabs.io/dispatch/store"
)

// Dialect is the store.Dialect for SQLite.
type Dialect struct{}

var _ store.Dialect = Dialect{}

// Name returns "sqlite".
func (Dialect) Name() string { return "sqlite" }

// Placeholder always returns "?": SQLite does not distinguish placeholders
// by position.
func (Dialect) Placeholder(int) string { return "?" }

// ClaimLockClause returns "": SQLite has no row-level locking, so claim
// statements need no lock hint, correctness comes from the single-writer
// serialization Open configures instead.
func (Dialect) ClaimLockClause() string { return "" }

// Open opens a SQLite database file (or ":memory:") with settings tuned
// for the dispatch core's access pattern: WAL journaling so readers never
// block the single writer, a busy timeout as a second line of defense
// against SQLITE_BUSY while a transaction holds the write lock, and
// "_txlock=immediate" so every *sql.Tx this *sql.DB opens acquires
// SQLite's write lock with BEGIN IMMEDIATE up front instead of the
// driver's default deferred BEGIN, which would otherwise let two
// concurrent transactions both start read-only and race for the upgrade
// to a write lock. SetMaxOpenConns(1) caps the pool at the single
// connection that lock is actually scoped to, so database/sql's own
// checkout queue is what serializes claimers, not a bespoke one.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
