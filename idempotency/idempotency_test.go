package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store/sqlite"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(db, sqlite.Dialect{}, "", mock)
	if err := s.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy idempotency schema: %v", err)
	}
	return s, mock
}

func TestBeginAsyncFreshThenCompleteSuppressesReplay(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	self := owner.MustNew()

	r, err := s.BeginAsync(ctx, "order-42", self, time.Minute)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if r.Status != Fresh {
		t.Fatalf("expected Fresh, got %s", r.Status)
	}

	if err := s.CompleteAsync(ctx, "order-42", self, []byte("ok")); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if replay.Status != AlreadyCompleted {
		t.Fatalf("expected AlreadyCompleted, got %s", replay.Status)
	}
	if string(replay.Outcome) != "ok" {
		t.Fatalf("expected outcome to round-trip, got %q", replay.Outcome)
	}
}

func TestBeginAsyncRejectsConcurrentAttemptWhileInProgress(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil || first.Status != Fresh {
		t.Fatalf("first begin: %v %s", err, first.Status)
	}

	second, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if second.Status != AlreadyInProgress {
		t.Fatalf("expected AlreadyInProgress, got %s", second.Status)
	}
}

func TestBeginAsyncReclaimsAfterDeadlinePasses(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStore(t)

	first, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil || first.Status != Fresh {
		t.Fatalf("first begin: %v %s", err, first.Status)
	}

	mock.Advance(2 * time.Minute)

	second, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil {
		t.Fatalf("second begin: %v", err)
	}
	if second.Status != Fresh {
		t.Fatalf("expected Fresh once the prior InProgress window expired, got %s", second.Status)
	}
}

func TestFailAsyncPermanentBlocksFurtherAttempts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	self := owner.MustNew()

	if _, err := s.BeginAsync(ctx, "order-42", self, time.Minute); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.FailAsync(ctx, "order-42", self, "downstream rejected", true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	r, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil {
		t.Fatalf("begin after fail: %v", err)
	}
	if r.Status != AlreadyFailed {
		t.Fatalf("expected AlreadyFailed, got %s", r.Status)
	}
	if r.Reason != "downstream rejected" {
		t.Fatalf("expected reason to round-trip, got %q", r.Reason)
	}
}

func TestFailAsyncTransientAllowsRetryFromFresh(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	self := owner.MustNew()

	if _, err := s.BeginAsync(ctx, "order-42", self, time.Minute); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.FailAsync(ctx, "order-42", self, "timeout", false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	r, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute)
	if err != nil {
		t.Fatalf("begin after transient fail: %v", err)
	}
	if r.Status != Fresh {
		t.Fatalf("expected transient failure to clear the row back to Fresh, got %s", r.Status)
	}
}

func TestCompleteAsyncByNonOwnerFails(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if _, err := s.BeginAsync(ctx, "order-42", owner.MustNew(), time.Minute); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.CompleteAsync(ctx, "order-42", owner.MustNew(), []byte("ok")); err != ErrNotHeld {
		t.Fatalf("expected ErrNotHeld completing a key this owner never began, got %v", err)
	}
}

func TestExecutorRunSuppressesSecondInvocationOfFn(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	calls := 0
	fn := func(ctx context.Context) (Outcome, error) {
		calls++
		return Outcome("done"), nil
	}

	e1 := NewExecutor(s, owner.MustNew(), time.Minute, clk)
	res, out, err := e1.Run(ctx, "ship-1", fn, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res != Completed {
		t.Fatalf("expected Completed, got %s", res)
	}
	if string(out) != "done" {
		t.Fatalf("unexpected outcome: %q", out)
	}

	e2 := NewExecutor(s, owner.MustNew(), time.Minute, clk)
	res2, out2, err := e2.Run(ctx, "ship-1", fn, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2 != Suppressed {
		t.Fatalf("expected Suppressed, got %s", res2)
	}
	if string(out2) != "done" {
		t.Fatalf("expected suppressed outcome to match first run, got %q", out2)
	}
	if calls != 1 {
		t.Fatalf("expected fn to run exactly once, ran %d times", calls)
	}
}

func TestExecutorRunReportsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	fn := func(ctx context.Context) (Outcome, error) {
		return nil, &PermanentError{Err: errors.New("invalid order")}
	}

	e := NewExecutor(s, owner.MustNew(), time.Minute, clk)
	res, _, err := e.Run(ctx, "ship-2", fn, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res != PermanentFailure {
		t.Fatalf("expected PermanentFailure, got %s", res)
	}

	res2, _, err := e.Run(ctx, "ship-2", fn, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2 != PermanentFailure {
		t.Fatalf("expected a permanently failed key to keep reporting PermanentFailure, got %s", res2)
	}
}

func TestExecutorRunRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	attempt := 0
	fn := func(ctx context.Context) (Outcome, error) {
		attempt++
		if attempt == 1 {
			return nil, errors.New("connection reset")
		}
		return Outcome("recovered"), nil
	}

	e := NewExecutor(s, owner.MustNew(), time.Minute, clk)
	res, _, err := e.Run(ctx, "ship-3", fn, nil)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res != Retry {
		t.Fatalf("expected Retry after transient failure, got %s", res)
	}

	res2, out2, err := e.Run(ctx, "ship-3", fn, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res2 != Completed {
		t.Fatalf("expected the retry to complete, got %s", res2)
	}
	if string(out2) != "recovered" {
		t.Fatalf("unexpected outcome: %q", out2)
	}
}
