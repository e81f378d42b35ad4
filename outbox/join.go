package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
	"oss.nandlabs.io/dispatch/uuid"
)

// JoinStatus is the lifecycle state of a fan-in barrier.
type JoinStatus string

const (
	JoinPending  JoinStatus = "Pending"
	JoinComplete JoinStatus = "Complete"
	JoinFailed   JoinStatus = "Failed"
)

// Join is a fan-in barrier row: expectedSteps members must each terminate
// (via an outbox Ack or Fail on a row AttachMessage'd to this join) before
// the barrier fires.
type Join struct {
	ID             string
	TenantID       string
	ExpectedSteps  int
	CompletedSteps int
	FailedSteps    int
	Status         JoinStatus
	Metadata       []byte
	CreatedAt      time.Time
}

// JoinCoordinator manages Join rows and their member attachments against
// the same store as an Outbox. It is a companion to Outbox rather than a
// method on it because the barrier bookkeeping needs its own two tables
// (join, join_member) and is meaningful even for joins whose members span
// more than one Outbox/topic.
type JoinCoordinator struct {
	*Outbox
	joinTable   string
	memberTable string
}

// NewJoinCoordinator builds a JoinCoordinator sharing o's db/dialect/clock,
// with its own join and join-member tables under the same schema.
func NewJoinCoordinator(o *Outbox, schemaName string) *JoinCoordinator {
	joinTable := "dispatch_join"
	memberTable := "dispatch_join_member"
	if schemaName != "" {
		joinTable = schemaName + "." + joinTable
		memberTable = schemaName + "." + memberTable
	}
	return &JoinCoordinator{Outbox: o, joinTable: joinTable, memberTable: memberTable}
}

// StartJoin creates a new Pending join row with the given expected member
// count and returns its id.
func (j *JoinCoordinator) StartJoin(ctx context.Context, tenantID string, expectedSteps int, metadata []byte) (string, error) {
	id, err := uuid.V4()
	if err != nil {
		return "", err
	}
	query := store.Rebind(j.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_at)
		VALUES (?, ?, ?, 0, 0, 'Pending', ?, ?)
	`, j.joinTable))
	if _, err := j.db.ExecContext(ctx, query, id.String(), tenantID, expectedSteps, metadata, j.clock.Now()); err != nil {
		return "", err
	}
	return id.String(), nil
}

// AttachMessage associates an outbox message with a join. It is idempotent
// on (joinId, messageId): attaching the same pair twice is a no-op.
func (j *JoinCoordinator) AttachMessage(ctx context.Context, joinID, outboxMessageID string) error {
	query := store.Rebind(j.dialect, fmt.Sprintf(`
		INSERT INTO %s (join_id, outbox_message_id, completed_at, failed)
		VALUES (?, ?, NULL, FALSE)
		ON CONFLICT (join_id, outbox_message_id) DO NOTHING
	`, j.memberTable))
	_, err := j.db.ExecContext(ctx, query, joinID, outboxMessageID)
	return err
}

// AckMember is Outbox.Ack, but additionally advances the join barrier for
// any of ids attached to a join. It takes no caller transaction: it opens
// its own, in which the ack and the barrier update commit together.
func (j *JoinCoordinator) AckMember(ctx context.Context, self owner.Token, ids []string) error {
	return j.advance(ctx, self, ids, false)
}

// FailMember is the Fail-side equivalent of AckMember.
func (j *JoinCoordinator) FailMember(ctx context.Context, self owner.Token, ids []string) error {
	return j.advance(ctx, self, ids, true)
}

func (j *JoinCoordinator) advance(ctx context.Context, self owner.Token, ids []string, failed bool) error {
	if len(ids) == 0 {
		return nil
	}
	now := j.clock.Now()
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if failed {
		if err := j.failExec(ctx, tx, self, ids, "join member failed"); err != nil {
			return err
		}
	} else {
		if err := j.ackExec(ctx, tx, self, ids); err != nil {
			return err
		}
	}

	for _, id := range ids {
		var joinID string
		findJoin := store.Rebind(j.dialect, fmt.Sprintf(`
			SELECT join_id FROM %s WHERE outbox_message_id = ? AND completed_at IS NULL
		`, j.memberTable))
		if err := tx.QueryRowContext(ctx, findJoin, id).Scan(&joinID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return err
		}

		markMember := store.Rebind(j.dialect, fmt.Sprintf(`
			UPDATE %s SET completed_at = ?, failed = ? WHERE outbox_message_id = ? AND join_id = ?
		`, j.memberTable))
		if _, err := tx.ExecContext(ctx, markMember, now, failed, id, joinID); err != nil {
			return err
		}

		column := "completed_steps"
		if failed {
			column = "failed_steps"
		}
		advanceJoin := store.Rebind(j.dialect, fmt.Sprintf(`
			UPDATE %s SET %s = %s + 1
			WHERE id = ? AND completed_steps + failed_steps < expected_steps
		`, j.joinTable, column, column))
		if _, err := tx.ExecContext(ctx, advanceJoin, joinID); err != nil {
			return err
		}

		if err := j.maybeFinalize(ctx, tx, joinID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (j *JoinCoordinator) maybeFinalize(ctx context.Context, tx *sql.Tx, joinID string) error {
	selectQuery := store.Rebind(j.dialect, fmt.Sprintf(`
		SELECT expected_steps, completed_steps, failed_steps, status FROM %s WHERE id = ?
	`, j.joinTable))
	var expected, completed, failedN int
	var status string
	if err := tx.QueryRowContext(ctx, selectQuery, joinID).Scan(&expected, &completed, &failedN, &status); err != nil {
		return err
	}
	if status != string(JoinPending) {
		return nil
	}
	if completed+failedN < expected {
		return nil
	}

	newStatus := JoinComplete
	if failedN > 0 {
		// Default policy: any failure fails the whole barrier. Callers
		// wanting a different policy observe Join via GetJoin and decide
		// their own continuation routing instead of relying on Status.
		newStatus = JoinFailed
	}
	updateQuery := store.Rebind(j.dialect, fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, j.joinTable))
	_, err := tx.ExecContext(ctx, updateQuery, string(newStatus), joinID)
	return err
}

// GetJoin reads a join's current state.
func (j *JoinCoordinator) GetJoin(ctx context.Context, joinID string) (*Join, error) {
	query := store.Rebind(j.dialect, fmt.Sprintf(`
		SELECT id, tenant_id, expected_steps, completed_steps, failed_steps, status, metadata, created_at
		FROM %s WHERE id = ?
	`, j.joinTable))
	row := j.db.QueryRowContext(ctx, query, joinID)
	jn := &Join{}
	var status string
	if err := row.Scan(&jn.ID, &jn.TenantID, &jn.ExpectedSteps, &jn.CompletedSteps, &jn.FailedSteps, &status, &jn.Metadata, &jn.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	jn.Status = JoinStatus(status)
	return jn, nil
}

// ErrJoinPending is returned by JoinWaitHandler while the barrier has not
// yet fired; a dispatcher loop should Abandon the waiting message so it is
// reclaimed and re-polled later rather than treating this as a failure.
var ErrJoinPending = errors.New("outbox: join pending")

// MixedPolicy decides, given a fired Join with at least one failed member,
// whether to treat the barrier overall as succeeded. The default
// (AnyFailureFails) treats any failure as barrier failure; callers that
// want different semantics (e.g. "succeed if a quorum completed") supply
// their own MixedPolicy to NewJoinWaitHandler.
type MixedPolicy func(j *Join) (succeeded bool)

// AnyFailureFails is the default MixedPolicy: the barrier only succeeds
// when failedSteps is zero.
func AnyFailureFails(j *Join) bool { return j.FailedSteps == 0 }

// NewJoinWaitHandler returns a handler suitable for registration on a
// dispatcher topic whose messages carry a join id as CorrelationID. Each
// invocation polls the join named by msg.CorrelationID: while it is still
// Pending the handler returns ErrJoinPending (the caller's dispatcher loop
// should classify this as transient and Abandon with backoff so the same
// message is retried later); once fired it enqueues a continuation message
// on successTopic or failureTopic as policy decides.
func NewJoinWaitHandler(j *JoinCoordinator, successTopic, failureTopic string, policy MixedPolicy) func(ctx context.Context, msg *Message) error {
	if policy == nil {
		policy = AnyFailureFails
	}
	return func(ctx context.Context, msg *Message) error {
		jn, err := j.GetJoin(ctx, msg.CorrelationID)
		if err != nil {
			return err
		}
		if jn.Status == JoinPending {
			return ErrJoinPending
		}

		topic := successTopic
		if !policy(jn) {
			topic = failureTopic
		}
		_, err = j.Enqueue(ctx, topic, jn.Metadata, "", jn.ID, time.Time{})
		return err
	}
}
