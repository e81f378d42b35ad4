// Package lease implements the fenced, time-bounded mutual exclusion used
// to elect a single active dispatcher per named scope ("scheduler:run",
// "outbox:claim:orders", ...). It generalizes the single job lock
// chrono.Storage's AcquireLock/ReleaseLock methods provide into a
// standalone primitive any number of callers can use, and adds a
// monotonic fencing token chrono's lock never needed (chrono only ever had
// one writer per job; this module's dispatcher loops need stale-writer
// rejection across acquisitions).
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/lifecycle"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
)

var logger = l3.Get()

// ErrNotHeld is returned by Renew/Release when the lease is no longer held
// by the caller (another owner acquired it after expiry, or it was never
// acquired).
var ErrNotHeld = errors.New("lease: not held")

// ErrLost is returned by ThrowIfLost once a background renewer has
// observed the lease slip away.
var ErrLost = errors.New("lease: lost")

// Lease is a held, renewable lock on a named scope. The zero value is not
// usable; obtain one from Manager.Acquire.
type Lease struct {
	name  string
	owner owner.Token

	mu            sync.RWMutex
	fencingToken  int64
	leaseUntilUtc time.Time

	lost         atomic.Bool
	lostCallback func(name string)

	stopRenew context.CancelFunc
}

// Name is the scope this lease holds.
func (l *Lease) Name() string { return l.name }

// Owner is the token that acquired this lease, usable as the self
// argument to outbox/inbox Claim so row ownership traces back to the
// same identity that holds the scope lock.
func (l *Lease) Owner() owner.Token { return l.owner }

// FencingToken returns the monotonically non-decreasing token stamped on
// this acquisition. Callers must attach it to every downstream mutation so
// a store can reject writes from a writer a later acquirer has superseded.
func (l *Lease) FencingToken() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fencingToken
}

// LeaseUntilUtc returns the instant this lease's current grant expires.
func (l *Lease) LeaseUntilUtc() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaseUntilUtc
}

// ThrowIfLost returns ErrLost once a background renewer (or a failed
// explicit Renew) has observed this lease slip away. Callers should check
// this before any mutation gated by the lease and abort the current batch
// if it returns an error.
func (l *Lease) ThrowIfLost() error {
	if l.lost.Load() {
		return ErrLost
	}
	return nil
}

func (l *Lease) markLost() {
	if l.lost.CompareAndSwap(false, true) {
		if l.lostCallback != nil {
			l.lostCallback(l.name)
		}
	}
}

// Manager acquires, renews, and releases Leases against a single store.
// Multiple dispatcher processes sharing the same DB compete for the same
// named rows; exactly one of them holds any given name at a time.
type Manager struct {
	db      store.DB
	dialect store.Dialect
	table   string
	clock   clock.Clock
	self    owner.Token
}

// New builds a Manager backed by db using schemaName to qualify the lease
// table ("" means the dialect's default schema/search path). self is the
// owner token this process presents on every acquisition.
func New(db store.DB, dialect store.Dialect, schemaName string, clk clock.Clock, self owner.Token) *Manager {
	table := "dispatch_lease"
	if schemaName != "" {
		table = schemaName + "." + table
	}
	return &Manager{db: db, dialect: dialect, table: table, clock: clk, self: self}
}

// DeploySchema creates the lease table if it does not already exist.
func (m *Manager) DeploySchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + m.table + ` (
		name TEXT PRIMARY KEY,
		owner TEXT,
		fencing_token BIGINT NOT NULL DEFAULT 0,
		lease_until_utc TIMESTAMP NOT NULL
	)`
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// Acquire attempts to take ownership of name for ttl. It succeeds when the
// row is unowned or its prior grant has expired; a second caller racing for
// the same name while it is still validly held gets (nil, nil) rather than
// an error, matching chrono's AcquireLock "true/false" shape.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	now := m.clock.Now()
	until := now.Add(ttl)

	query := store.Rebind(m.dialect, fmt.Sprintf(`
		INSERT INTO %s (name, owner, fencing_token, lease_until_utc)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (name) DO UPDATE SET
			owner = excluded.owner,
			fencing_token = %s.fencing_token + 1,
			lease_until_utc = excluded.lease_until_utc
		WHERE %s.owner IS NULL OR %s.lease_until_utc <= ?
		RETURNING fencing_token, lease_until_utc
	`, m.table, m.table, m.table, m.table))

	row := m.db.QueryRowContext(ctx, query, name, m.self.String(), until, now)
	var token int64
	var grantedUntil time.Time
	if err := row.Scan(&token, &grantedUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	l := &Lease{name: name, owner: m.self, fencingToken: token, leaseUntilUtc: grantedUntil}
	logger.InfoF("lease %q acquired by %s at token %d until %s", name, m.self, token, grantedUntil)
	return l, nil
}

// Renew extends l by ttl if it is still held by its owner. It returns false
// (with no error) when the grant was lost to another owner; l is marked
// lost in that case and ThrowIfLost starts returning ErrLost.
func (m *Manager) Renew(ctx context.Context, l *Lease, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	until := now.Add(ttl)

	query := store.Rebind(m.dialect, fmt.Sprintf(`
		UPDATE %s SET lease_until_utc = ?
		WHERE name = ? AND owner = ? AND lease_until_utc > ?
	`, m.table))

	res, err := m.db.ExecContext(ctx, query, until, l.name, m.self.String(), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		l.markLost()
		logger.WarnF("lease %q renew failed, marking lost", l.name)
		return false, nil
	}

	l.mu.Lock()
	l.leaseUntilUtc = until
	l.mu.Unlock()
	return true, nil
}

// Release relinquishes l. The fencing token is left untouched so it never
// goes backwards for a future acquirer; only the owner and expiry are
// cleared, making the row immediately acquirable by anyone.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	query := store.Rebind(m.dialect, fmt.Sprintf(`
		UPDATE %s SET owner = NULL, lease_until_utc = ?
		WHERE name = ? AND owner = ?
	`, m.table))

	now := m.clock.Now()
	res, err := m.db.ExecContext(ctx, query, now, l.name, m.self.String())
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
	logger.InfoF("lease %q released by %s", l.name, m.self)
	return nil
}

// Renewer is a lifecycle.Component that refreshes a Lease at ttl/3 cadence
// for as long as it is running, invoking onLost (if non-nil, in addition to
// the Lease's own markLost bookkeeping) the first time a renewal fails or
// maxExtensions successful renewals have already happened. The extension
// cap exists for a caller whose work under the lease can run arbitrarily
// long (a batch of handlers that are still executing): without it a stuck
// handler would keep the lease alive forever instead of eventually forcing
// the batch to be abandoned back to the store.
type Renewer struct {
	manager       *Manager
	lease         *Lease
	ttl           time.Duration
	maxExtensions int
	onLost        func()

	cancel context.CancelFunc
	done   chan struct{}
	state  lifecycle.ComponentState
	mu     sync.Mutex
}

// NewRenewer builds a background renewer for lease, to be registered with a
// lifecycle.ComponentManager alongside the rest of a dispatcher process's
// components. maxExtensions bounds how many successful renewals the loop
// will perform before giving up and marking the lease lost, even though
// renewal itself keeps succeeding; a value <= 0 means unbounded.
func NewRenewer(m *Manager, l *Lease, ttl time.Duration, maxExtensions int, onLost func()) *Renewer {
	return &Renewer{manager: m, lease: l, ttl: ttl, maxExtensions: maxExtensions, onLost: onLost}
}

// Id identifies this component for lifecycle.ComponentManager.
func (r *Renewer) Id() string { return "lease-renewer:" + r.lease.name }

// OnChange satisfies lifecycle.Component; this renewer has no listeners of
// its own state changes.
func (r *Renewer) OnChange(prevState, newState lifecycle.ComponentState) {}

// State reports the renewer's current lifecycle state.
func (r *Renewer) State() lifecycle.ComponentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the renewal loop in a background goroutine and returns
// immediately; the loop stops when Stop is called or the lease is lost.
func (r *Renewer) Start() error {
	r.mu.Lock()
	if r.state == lifecycle.Running {
		r.mu.Unlock()
		return lifecycle.ErrCompAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = lifecycle.Running
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

func (r *Renewer) run(ctx context.Context) {
	defer close(r.done)
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	extensions := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.maxExtensions > 0 && extensions >= r.maxExtensions {
				logger.WarnF("lease %q hit its %d-extension cap, forcing abandon", r.lease.name, r.maxExtensions)
				r.lease.markLost()
				if r.onLost != nil {
					r.onLost()
				}
				return
			}
			if err := r.renewWithRetry(ctx); err != nil {
				logger.ErrorF("lease %q renew gave up: %v", r.lease.name, err)
				r.lease.markLost()
				if r.onLost != nil {
					r.onLost()
				}
				return
			}
			extensions++
			if r.lease.lost.Load() {
				if r.onLost != nil {
					r.onLost()
				}
				return
			}
		}
	}
}

// renewWithRetry retries transient errors (network blips, momentary DB
// unavailability) a bounded number of times within one renewal tick; a
// definitive "lost to another owner" result (ok=false, err=nil) is not
// retried since retrying cannot change that outcome.
func (r *Renewer) renewWithRetry(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		_, err := r.manager.Renew(ctx, r.lease, r.ttl)
		return err
	}, b)
}

// Stop halts the renewal loop and waits for it to exit.
func (r *Renewer) Stop() error {
	r.mu.Lock()
	if r.state != lifecycle.Running {
		r.mu.Unlock()
		return lifecycle.ErrCompAlreadyStopped
	}
	r.state = lifecycle.Stopping
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	r.state = lifecycle.Stopped
	r.mu.Unlock()
	return nil
}

var _ lifecycle.Component = (*Renewer)(nil)
