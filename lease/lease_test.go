package lease

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store/sqlite"
)

func newTestManager(t *testing.T, self owner.Token) (*Manager, *clock.Mock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(db, sqlite.Dialect{}, "", mock, self)
	if err := m.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy lease schema: %v", err)
	}
	return m, mock
}

func TestAcquireGrantsFreshLeaseWithFencingTokenOne(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, owner.MustNew())

	l, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l == nil {
		t.Fatal("expected a granted lease")
	}
	if l.FencingToken() != 1 {
		t.Fatalf("expected fencing token 1, got %d", l.FencingToken())
	}
}

func TestAcquireByCompetingOwnerFailsWhileHeld(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, owner.MustNew())

	first, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v %v", first, err)
	}

	mOther, _ := newTestManagerSharingStore(t, m)
	second, err := mOther.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != nil {
		t.Fatal("expected competing acquire against a validly held lease to fail")
	}
}

// newTestManagerSharingStore builds a second Manager against the same
// underlying store as base, with a distinct owner, used to simulate a
// competing dispatcher process racing for the same lease name.
func newTestManagerSharingStore(t *testing.T, base *Manager) (*Manager, owner.Token) {
	t.Helper()
	self := owner.MustNew()
	return &Manager{db: base.db, dialect: base.dialect, table: base.table, clock: base.clock, self: self}, self
}

func TestAcquireSucceedsAfterPriorGrantExpires(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestManager(t, owner.MustNew())

	first, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("first acquire: %v %v", first, err)
	}

	mock.Advance(2 * time.Minute)

	mOther, _ := newTestManagerSharingStore(t, m)
	second, err := mOther.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second == nil {
		t.Fatal("expected acquire to succeed once the prior grant expired")
	}
	if second.FencingToken() <= first.FencingToken() {
		t.Fatalf("expected fencing token to advance, got first=%d second=%d", first.FencingToken(), second.FencingToken())
	}
}

func TestRenewExtendsLeaseUntil(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestManager(t, owner.MustNew())

	l, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}
	before := l.LeaseUntilUtc()

	mock.Advance(10 * time.Second)
	ok, err := m.Renew(ctx, l, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Fatal("expected renew to succeed while still holding the lease")
	}
	if !l.LeaseUntilUtc().After(before) {
		t.Fatalf("expected lease_until to advance, before=%s after=%s", before, l.LeaseUntilUtc())
	}
	if err := l.ThrowIfLost(); err != nil {
		t.Fatalf("expected lease not to be marked lost, got %v", err)
	}
}

func TestRenewFailsAndMarksLostAfterStolenByAnotherOwner(t *testing.T) {
	ctx := context.Background()
	m, mock := newTestManager(t, owner.MustNew())

	l, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}

	mock.Advance(2 * time.Minute)
	mOther, _ := newTestManagerSharingStore(t, m)
	if _, err := mOther.Acquire(ctx, "scheduler:run", time.Minute); err != nil {
		t.Fatalf("steal acquire: %v", err)
	}

	ok, err := m.Renew(ctx, l, time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatal("expected renew to fail once another owner has taken the lease")
	}
	if err := l.ThrowIfLost(); err != ErrLost {
		t.Fatalf("expected ErrLost, got %v", err)
	}
}

func TestReleaseClearsOwnerButPreservesFencingToken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, owner.MustNew())

	l, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("release: %v", err)
	}

	mOther, _ := newTestManagerSharingStore(t, m)
	next, err := mOther.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	if next == nil {
		t.Fatal("expected a released lease to be immediately acquirable")
	}
	if next.FencingToken() <= l.FencingToken() {
		t.Fatalf("expected fencing token to keep advancing across release, got %d then %d", l.FencingToken(), next.FencingToken())
	}
}

func TestReleaseByNonOwnerFails(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, owner.MustNew())

	l, err := m.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}

	mOther, _ := newTestManagerSharingStore(t, m)
	stolen := &Lease{name: l.name, owner: mOther.self, fencingToken: l.FencingToken(), leaseUntilUtc: l.LeaseUntilUtc()}
	if err := mOther.Release(ctx, stolen); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld releasing a lease this manager's self token never held, got %v", err)
	}
}
