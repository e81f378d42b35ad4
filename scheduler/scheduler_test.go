package scheduler

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/lease"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
	"oss.nandlabs.io/dispatch/store/sqlite"
)

func newTestScheduler(t *testing.T) (*Scheduler, *outbox.Outbox, *lease.Manager, *clock.Mock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ob := outbox.New(db, sqlite.Dialect{}, "", mock)
	if err := ob.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy outbox schema: %v", err)
	}

	s := New(db, sqlite.Dialect{}, "", "dispatch_outbox", mock)
	if err := s.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy scheduler schema: %v", err)
	}

	lm := lease.New(db, sqlite.Dialect{}, "", mock, owner.MustNew())
	if err := lm.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy lease schema: %v", err)
	}
	return s, ob, lm, mock
}

func TestSchedulerTimerFiresIntoOutbox(t *testing.T) {
	ctx := context.Background()
	s, ob, lm, mock := newTestScheduler(t)

	due := mock.Now().Add(5 * time.Minute)
	if _, err := s.ScheduleTimer(ctx, "reminders.due", []byte(`{"id":1}`), due); err != nil {
		t.Fatalf("schedule timer: %v", err)
	}

	l, err := lm.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire lease: %v %v", l, err)
	}

	// Before the timer is due, a pass should not enqueue anything.
	if _, err := s.RunPass(ctx, l, 10, 30, time.Hour); err != nil {
		t.Fatalf("pass before due: %v", err)
	}
	msgs, err := ob.Claim(ctx, owner.MustNew(), 30, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages before the timer is due, got %d", len(msgs))
	}

	mock.Advance(6 * time.Minute)
	sleep, err := s.RunPass(ctx, l, 10, 30, time.Hour)
	if err != nil {
		t.Fatalf("pass after due: %v", err)
	}
	if sleep != time.Hour {
		t.Fatalf("expected sleep capped at maxPollingInterval with nothing else pending, got %s", sleep)
	}

	msgs, err = ob.Claim(ctx, owner.MustNew(), 30, 10)
	if err != nil {
		t.Fatalf("claim after fire: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "reminders.due" {
		t.Fatalf("expected the fired timer's message to be claimable, got %+v", msgs)
	}
}

func TestSchedulerJobMaterializesAndAdvances(t *testing.T) {
	ctx := context.Background()
	s, ob, lm, mock := newTestScheduler(t)

	if err := s.UpsertJob(ctx, "nightly-report", "0 0 * * *", "reports.nightly", []byte(`{}`)); err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	l, err := lm.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire lease: %v %v", l, err)
	}

	mock.Advance(25 * time.Hour)
	if _, err := s.RunPass(ctx, l, 10, 30, time.Hour); err != nil {
		t.Fatalf("pass: %v", err)
	}

	msgs, err := ob.Claim(ctx, owner.MustNew(), 30, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Topic != "reports.nightly" {
		t.Fatalf("expected the job's materialized run to be enqueued, got %+v", msgs)
	}

	// Running again immediately should not re-materialize until the next
	// scheduled occurrence.
	if _, err := s.RunPass(ctx, l, 10, 30, time.Hour); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	msgs, err = ob.Claim(ctx, owner.MustNew(), 30, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no new messages until the next occurrence, got %d", len(msgs))
	}
}

func TestSchedulerStaleFencingRejected(t *testing.T) {
	ctx := context.Background()
	s, _, lm, mock := newTestScheduler(t)

	l1, err := lm.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l1 == nil {
		t.Fatalf("acquire l1: %v %v", l1, err)
	}
	mock.Advance(2 * time.Minute)
	l2, err := lm.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l2 == nil {
		t.Fatalf("acquire l2: %v %v", l2, err)
	}

	if _, err := s.RunPass(ctx, l2, 10, 30, time.Hour); err != nil {
		t.Fatalf("pass under newer lease should succeed: %v", err)
	}
	if _, err := s.RunPass(ctx, l1, 10, 30, time.Hour); err != ErrStaleFencing {
		t.Fatalf("expected ErrStaleFencing for the superseded lease, got %v", err)
	}
}

func TestSchedulerReapExpiredRestoresLeasedTimer(t *testing.T) {
	ctx := context.Background()
	s, _, _, mock := newTestScheduler(t)

	due := mock.Now().Add(time.Minute)
	id, err := s.ScheduleTimer(ctx, "reminders.due", []byte(`{}`), due)
	if err != nil {
		t.Fatalf("schedule timer: %v", err)
	}

	self := owner.MustNew()
	lockedUntil := mock.Now().Add(time.Hour)
	query := store.Rebind(sqlite.Dialect{}, `UPDATE dispatch_timer SET status = 'Leased', owner = ?, locked_until = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, self.String(), lockedUntil, id); err != nil {
		t.Fatalf("simulate stuck lease: %v", err)
	}

	mock.Advance(2 * time.Hour)
	n, err := s.ReapExpiredTimers(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to reap 1 stuck timer, got %d", n)
	}

	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM dispatch_timer WHERE id = ?`, id)
	if err := row.Scan(&status); err != nil {
		t.Fatalf("read back status: %v", err)
	}
	if status != string(TimerPending) {
		t.Fatalf("expected reaped timer back to Pending, got %s", status)
	}
}

func TestSchedulerRetentionSweep(t *testing.T) {
	ctx := context.Background()
	s, _, lm, mock := newTestScheduler(t)

	if err := s.UpsertJob(ctx, "hourly", "0 * * * *", "t", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	l, err := lm.Acquire(ctx, "scheduler:run", time.Minute)
	if err != nil || l == nil {
		t.Fatalf("acquire: %v %v", l, err)
	}
	mock.Advance(2 * time.Hour)
	if _, err := s.RunPass(ctx, l, 10, 30, time.Hour); err != nil {
		t.Fatalf("pass: %v", err)
	}

	mock.Advance(48 * time.Hour)
	n, err := s.RetentionSweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("retention sweep: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one dispatched job run to be swept")
	}
}
