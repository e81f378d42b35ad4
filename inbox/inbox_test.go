package inbox

import (
	"context"
	"testing"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store/sqlite"
)

func newTestInbox(t *testing.T) (*Inbox, *clock.Mock) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	in := New(db, sqlite.Dialect{}, "", mock)
	if err := in.DeploySchema(ctx); err != nil {
		t.Fatalf("deploy schema: %v", err)
	}
	return in, mock
}

func TestAcceptDedup(t *testing.T) {
	ctx := context.Background()
	in, _ := newTestInbox(t)

	id1, status1, err := in.Accept(ctx, "partner-a", "evt-1", "payments.settled", []byte(`{}`))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if status1 != outbox.Pending {
		t.Fatalf("expected Pending, got %s", status1)
	}

	id2, status2, err := in.Accept(ctx, "partner-a", "evt-1", "payments.settled", []byte(`{"different":true}`))
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected duplicate (source, messageKey) to resolve to same row")
	}
	if status2 != outbox.Pending {
		t.Fatalf("expected duplicate accept to report the existing status")
	}
}

func TestClaimSerializesPerSource(t *testing.T) {
	ctx := context.Background()
	in, mock := newTestInbox(t)
	self := owner.Token("worker-1")

	id1, _, _ := in.Accept(ctx, "partner-a", "evt-1", "t", []byte("1"))
	mock.Advance(time.Second)
	_, _, _ = in.Accept(ctx, "partner-a", "evt-2", "t", []byte("2"))

	msgs, err := in.Claim(ctx, self, 30, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id1 {
		t.Fatalf("expected exactly the first evt-1 row claimed while partner-a is busy, got %+v", msgs)
	}

	// A second source is free to claim concurrently.
	_, _, _ = in.Accept(ctx, "partner-b", "evt-1", "t", []byte("3"))
	msgs, err = in.Claim(ctx, self, 30, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Source != "partner-b" {
		t.Fatalf("expected partner-b's row claimable while partner-a is leased, got %+v", msgs)
	}

	if err := in.Ack(ctx, self, []string{id1}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	msgs, err = in.Claim(ctx, self, 30, 10)
	if err != nil {
		t.Fatalf("claim after ack: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Source != "partner-a" {
		t.Fatalf("expected partner-a's second row claimable after its first was acked, got %+v", msgs)
	}
}
