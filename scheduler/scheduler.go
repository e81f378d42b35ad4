// Package scheduler materializes due work into the outbox under a single
// scheduler:run lease per store, guaranteeing one writer at a time the
// same way chrono guarantees one active scheduler per job via
// Storage.AcquireLock, generalized here from a single in-process job loop
// (chrono/impl.go's defaultScheduler) into a transactional materialization
// pass that can share a database transaction with the outbox insert it
// produces.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/lease"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/store"
	"oss.nandlabs.io/dispatch/uuid"
)

var logger = l3.Get()

// ErrStaleFencing is returned by RunPass when the caller's fencing token
// is older than the one already persisted, meaning a later acquirer has
// already run a pass since.
var ErrStaleFencing = errors.New("scheduler: stale fencing token")

// TimerStatus is the lifecycle of a one-shot timer row: Pending -> Leased
// -> Fired, or back to Pending on a retry, the same claim/ack/abandon
// shape the outbox table uses; a Pending timer can also be Cancelled.
type TimerStatus string

const (
	TimerPending   TimerStatus = "Pending"
	TimerLeased    TimerStatus = "Leased"
	TimerFired     TimerStatus = "Fired"
	TimerCancelled TimerStatus = "Cancelled"
)

// JobRunStatus is the lifecycle of one cron job materialization, the
// same Pending -> Leased -> Dispatched | Pending(retry) shape as
// TimerStatus.
type JobRunStatus string

const (
	JobRunPending    JobRunStatus = "Pending"
	JobRunLeased     JobRunStatus = "Leased"
	JobRunDispatched JobRunStatus = "Dispatched"
)

// JobDefinition is a named recurring job.
type JobDefinition struct {
	Name         string
	CronSchedule string
	Topic        string
	Payload      []byte
	IsEnabled    bool
	NextDueTime  time.Time
	CreatedAt    time.Time
}

// Timer is one scheduled one-shot row of the timer table.
type Timer struct {
	ID          string
	Topic       string
	Payload     []byte
	DueTimeUtc  time.Time
	Status      TimerStatus
	Owner       owner.Token
	LockedUntil *time.Time
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
}

// JobRun is one materialized occurrence of a JobDefinition, carrying the
// same lease fields as an outbox row so a crashed scheduler pass never
// loses track of a claimed run.
type JobRun struct {
	ID            string
	JobName       string
	ScheduledTime time.Time
	StartTime     *time.Time
	EndTime       *time.Time
	Status        JobRunStatus
	Owner         owner.Token
	LockedUntil   *time.Time
	RetryCount    int
	LastError     string
}

// Scheduler materializes timers and cron job runs into outboxTable via
// enqueueInTx, scoped to a single store.
type Scheduler struct {
	db      store.DB
	dialect store.Dialect
	clock   clock.Clock

	timerTable   string
	jobTable     string
	jobRunTable  string
	stateTable   string
	outboxTable  string
}

// New builds a Scheduler against db. outboxTable is the fully-qualified
// outbox table this scheduler enqueues into, callers construct their
// outbox.Outbox against the same table name so claims observe the rows
// this scheduler materializes.
func New(db store.DB, dialect store.Dialect, schemaName, outboxTable string, clk clock.Clock) *Scheduler {
	prefix := ""
	if schemaName != "" {
		prefix = schemaName + "."
	}
	return &Scheduler{
		db:          db,
		dialect:     dialect,
		clock:       clk,
		timerTable:  prefix + "dispatch_timer",
		jobTable:    prefix + "dispatch_job",
		jobRunTable: prefix + "dispatch_job_run",
		stateTable:  prefix + "dispatch_scheduler_state",
		outboxTable: outboxTable,
	}
}

// DeploySchema creates the timer, job, job-run, and scheduler-state
// tables.
func (s *Scheduler) DeploySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.timerTable + ` (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			due_time_utc TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			owner TEXT,
			locked_until TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.jobTable + ` (
			name TEXT PRIMARY KEY,
			cron_schedule TEXT NOT NULL,
			topic TEXT NOT NULL,
			payload BLOB,
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			next_due_time TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.jobRunTable + ` (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			scheduled_time TIMESTAMP NOT NULL,
			start_time TIMESTAMP,
			end_time TIMESTAMP,
			status TEXT NOT NULL,
			owner TEXT,
			locked_until TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.stateTable + ` (
			name TEXT PRIMARY KEY,
			current_fencing_token BIGINT NOT NULL DEFAULT 0,
			last_run_at TIMESTAMP
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleTimer inserts a one-shot Pending timer due at dueTimeUtc.
func (s *Scheduler) ScheduleTimer(ctx context.Context, topic string, payload []byte, dueTimeUtc time.Time) (string, error) {
	id, err := uuid.V4()
	if err != nil {
		return "", err
	}
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, due_time_utc, status, created_at)
		VALUES (?, ?, ?, ?, 'Pending', ?)
	`, s.timerTable))
	if _, err := s.db.ExecContext(ctx, query, id.String(), topic, payload, dueTimeUtc, s.clock.Now()); err != nil {
		return "", err
	}
	return id.String(), nil
}

// CancelTimer marks a still-Pending timer Cancelled; firing timers cannot
// be cancelled.
func (s *Scheduler) CancelTimer(ctx context.Context, id string) error {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Cancelled' WHERE id = ? AND status = 'Pending'
	`, s.timerTable))
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// UpsertJob creates or updates a named recurring job. cronSchedule is
// parsed immediately so a malformed expression is rejected at call time
// rather than at the next scheduler pass.
func (s *Scheduler) UpsertJob(ctx context.Context, name, cronSchedule, topic string, payload []byte) error {
	c, err := ParseCron(cronSchedule)
	if err != nil {
		return err
	}
	next := c.Next(s.clock.Now())

	query := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (name, cron_schedule, topic, payload, is_enabled, next_due_time, created_at)
		VALUES (?, ?, ?, ?, TRUE, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			cron_schedule = excluded.cron_schedule,
			topic = excluded.topic,
			payload = excluded.payload,
			next_due_time = excluded.next_due_time
	`, s.jobTable))
	_, err = s.db.ExecContext(ctx, query, name, cronSchedule, topic, payload, next, s.clock.Now())
	return err
}

// DeleteJob removes a named job definition.
func (s *Scheduler) DeleteJob(ctx context.Context, name string) error {
	query := store.Rebind(s.dialect, fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, s.jobTable))
	_, err := s.db.ExecContext(ctx, query, name)
	return err
}

// TriggerJob materializes an out-of-band JobRun for name immediately,
// independent of its cron schedule, for the admin "trigger now" surface.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (string, error) {
	var topic string
	var payload []byte
	row := store.Rebind(s.dialect, fmt.Sprintf(`SELECT topic, payload FROM %s WHERE name = ?`, s.jobTable))
	if err := s.db.QueryRowContext(ctx, row, name).Scan(&topic, &payload); err != nil {
		return "", err
	}

	id, err := uuid.V4()
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	insert := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, job_name, scheduled_time, status) VALUES (?, ?, ?, 'Pending')
	`, s.jobRunTable))
	if _, err := s.db.ExecContext(ctx, insert, id.String(), name, now); err != nil {
		return "", err
	}
	return id.String(), nil
}

// ListJobs returns every job definition, ordered by name, for an admin
// surface's "/jobs" listing.
func (s *Scheduler) ListJobs(ctx context.Context) ([]JobDefinition, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		SELECT name, cron_schedule, topic, payload, is_enabled, next_due_time, created_at
		FROM %s ORDER BY name ASC
	`, s.jobTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobDefinition
	for rows.Next() {
		var j JobDefinition
		var payload []byte
		var nextDue sql.NullTime
		if err := rows.Scan(&j.Name, &j.CronSchedule, &j.Topic, &payload, &j.IsEnabled, &nextDue, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = payload
		if nextDue.Valid {
			j.NextDueTime = nextDue.Time
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RunPass executes one materialization pass under l, whose fencing token
// gates this write against a stale concurrent holder. leaseSeconds bounds
// how long a claimed timer or job run is locked before it would be
// eligible for reclaim by a later pass. updateState, materializeDueJobs,
// and the timer/job-run claim step all advance in a single transaction;
// if l is lost before commit the transaction is rolled back and no state
// advances. Firing a claimed row (the outbox insert plus its terminal
// Fired/Dispatched update) happens afterward as its own short
// transaction per row, the same separation outbox.Claim keeps from
// outbox.Ack/Abandon, so one row's enqueue failure retries that row
// alone instead of rolling back every other row this pass claimed. It
// returns the duration to sleep before the next pass, capped at
// maxPollingInterval.
func (s *Scheduler) RunPass(ctx context.Context, l *lease.Lease, batch, leaseSeconds int, maxPollingInterval time.Duration) (time.Duration, error) {
	self := l.Owner()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.clock.Now()
	token := l.FencingToken()
	until := now.Add(time.Duration(leaseSeconds) * time.Second)

	if err := s.updateState(ctx, tx, token, now); err != nil {
		return 0, err
	}

	if err := s.materializeDueJobs(ctx, tx, now); err != nil {
		return 0, err
	}

	claimedTimers, err := s.claimDueTimers(ctx, tx, now, batch, self, until)
	if err != nil {
		return 0, err
	}

	claimedRuns, err := s.claimDueJobRuns(ctx, tx, now, batch, self, until)
	if err != nil {
		return 0, err
	}

	nextJobDue, err := s.nextJobDueTime(ctx, tx)
	if err != nil {
		return 0, err
	}

	if err := l.ThrowIfLost(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	for _, t := range claimedTimers {
		s.resolveTimer(ctx, t, self)
	}
	for _, r := range claimedRuns {
		s.resolveJobRun(ctx, r, self)
	}

	nextTimer, err := s.nextTimerDue(ctx, s.db)
	if err != nil {
		return 0, err
	}
	nextJobRun, err := s.nextJobRunDue(ctx, s.db)
	if err != nil {
		return 0, err
	}

	next := earliest(nextTimer, nextJobRun, nextJobDue)
	sleep := maxPollingInterval
	if !next.IsZero() {
		if d := next.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep, nil
}

func (s *Scheduler) updateState(ctx context.Context, tx *sql.Tx, token int64, now time.Time) error {
	var existing sql.NullInt64
	selectQuery := store.Rebind(s.dialect, fmt.Sprintf(`SELECT current_fencing_token FROM %s WHERE name = 'scheduler:run'`, s.stateTable))
	err := tx.QueryRowContext(ctx, selectQuery).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if existing.Valid && existing.Int64 > token {
		return ErrStaleFencing
	}

	upsert := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (name, current_fencing_token, last_run_at) VALUES ('scheduler:run', ?, ?)
		ON CONFLICT (name) DO UPDATE SET current_fencing_token = excluded.current_fencing_token, last_run_at = excluded.last_run_at
	`, s.stateTable))
	_, err = tx.ExecContext(ctx, upsert, token, now)
	return err
}

func (s *Scheduler) materializeDueJobs(ctx context.Context, tx *sql.Tx, now time.Time) error {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		SELECT name, cron_schedule FROM %s WHERE is_enabled = TRUE AND next_due_time <= ?
	`, s.jobTable))
	rows, err := tx.QueryContext(ctx, query, now)
	if err != nil {
		return err
	}
	type due struct{ name, cron string }
	var dueJobs []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.name, &d.cron); err != nil {
			rows.Close()
			return err
		}
		dueJobs = append(dueJobs, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, d := range dueJobs {
		c, err := ParseCron(d.cron)
		if err != nil {
			return fmt.Errorf("job %s: %w", d.name, err)
		}
		id, err := uuid.V4()
		if err != nil {
			return err
		}
		insert := store.Rebind(s.dialect, fmt.Sprintf(`
			INSERT INTO %s (id, job_name, scheduled_time, status) VALUES (?, ?, ?, 'Pending')
		`, s.jobRunTable))
		if _, err := tx.ExecContext(ctx, insert, id.String(), d.name, now); err != nil {
			return err
		}

		next := c.Next(now)
		update := store.Rebind(s.dialect, fmt.Sprintf(`UPDATE %s SET next_due_time = ? WHERE name = ?`, s.jobTable))
		if _, err := tx.ExecContext(ctx, update, next, d.name); err != nil {
			return err
		}
		logger.InfoF("scheduler materialized job run for %q, next due %s", d.name, next)
	}
	return nil
}

// claimedTimer is one timer row leased by this pass, pending resolution
// after the pass's transaction commits.
type claimedTimer struct {
	id, topic  string
	payload    []byte
	retryCount int
}

// claimDueTimers leases up to batch due Pending timers under self,
// transitioning them to Leased the same way outbox.Claim does, so a
// crash between this commit and resolveTimer leaves the row recoverable
// rather than stuck: ReapExpiredTimers restores any Leased row whose
// lockedUntil has passed back to Pending.
func (s *Scheduler) claimDueTimers(ctx context.Context, tx *sql.Tx, now time.Time, batch int, self owner.Token, until time.Time) ([]claimedTimer, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		WITH due AS (
			SELECT id FROM %s
			WHERE status = 'Pending' AND due_time_utc <= ?
			ORDER BY due_time_utc ASC, id ASC
			LIMIT ?
			%s
		)
		UPDATE %s SET status = 'Leased', owner = ?, locked_until = ?
		WHERE id IN (SELECT id FROM due)
		RETURNING id, topic, payload, retry_count
	`, s.timerTable, s.dialect.ClaimLockClause(), s.timerTable))

	rows, err := tx.QueryContext(ctx, query, now, batch, self.String(), until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timers []claimedTimer
	for rows.Next() {
		var t claimedTimer
		if err := rows.Scan(&t.id, &t.topic, &t.payload, &t.retryCount); err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// resolveTimer fires one claimed timer in its own transaction: enqueue
// then Fired on success, or back to Pending with retryCount bumped and
// dueTimeUtc pushed out by outbox.DefaultRetryDelay on failure. Mirrors
// outbox.Ack/Abandon's per-row, owner-guarded UPDATE shape.
func (s *Scheduler) resolveTimer(ctx context.Context, t claimedTimer, self owner.Token) {
	now := s.clock.Now()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := s.enqueueInTx(ctx, tx, t.topic, t.payload, t.id, now); err != nil {
			return err
		}
		fire := store.Rebind(s.dialect, fmt.Sprintf(`
			UPDATE %s SET status = 'Fired', owner = NULL, locked_until = NULL
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, s.timerTable))
		if _, err := tx.ExecContext(ctx, fire, t.id, self.String()); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err == nil {
		return
	}
	logger.WarnF("scheduler: firing timer %s: %v, retrying", t.id, err)
	delay := outbox.DefaultRetryDelay(t.retryCount)
	retry := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL,
			retry_count = retry_count + 1, last_error = ?, due_time_utc = ?
		WHERE id = ? AND owner = ? AND status = 'Leased'
	`, s.timerTable))
	if _, rerr := s.db.ExecContext(ctx, retry, err.Error(), now.Add(delay), t.id, self.String()); rerr != nil {
		logger.ErrorF("scheduler: abandoning timer %s after firing failure: %v", t.id, rerr)
	}
}

// claimedJobRun is one job-run row leased by this pass.
type claimedJobRun struct {
	id, jobName, topic string
	payload            []byte
	retryCount         int
}

// claimDueJobRuns mirrors claimDueTimers for dispatch_job_run rows,
// stamping startTime at claim time so the admin surface can show a run's
// actual execution start distinct from its scheduledTime.
func (s *Scheduler) claimDueJobRuns(ctx context.Context, tx *sql.Tx, now time.Time, batch int, self owner.Token, until time.Time) ([]claimedJobRun, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		WITH due AS (
			SELECT r.id FROM %s r
			WHERE r.status = 'Pending' AND r.scheduled_time <= ?
			ORDER BY r.scheduled_time ASC, r.id ASC
			LIMIT ?
			%s
		)
		UPDATE %s SET status = 'Leased', owner = ?, locked_until = ?, start_time = ?
		WHERE id IN (SELECT id FROM due)
		RETURNING id, job_name, retry_count
	`, s.jobRunTable, s.dialect.ClaimLockClause(), s.jobRunTable))

	rows, err := tx.QueryContext(ctx, query, now, batch, self.String(), until, now)
	if err != nil {
		return nil, err
	}
	var claimed []claimedJobRun
	for rows.Next() {
		var r claimedJobRun
		if err := rows.Scan(&r.id, &r.jobName, &r.retryCount); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i, r := range claimed {
		topicQuery := store.Rebind(s.dialect, fmt.Sprintf(`SELECT topic, payload FROM %s WHERE name = ?`, s.jobTable))
		if err := tx.QueryRowContext(ctx, topicQuery, r.jobName).Scan(&claimed[i].topic, &claimed[i].payload); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

// resolveJobRun mirrors resolveTimer for a claimed job run.
func (s *Scheduler) resolveJobRun(ctx context.Context, r claimedJobRun, self owner.Token) {
	now := s.clock.Now()
	err := func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := s.enqueueInTx(ctx, tx, r.topic, r.payload, r.id, now); err != nil {
			return err
		}
		dispatch := store.Rebind(s.dialect, fmt.Sprintf(`
			UPDATE %s SET status = 'Dispatched', owner = NULL, locked_until = NULL, end_time = ?
			WHERE id = ? AND owner = ? AND status = 'Leased'
		`, s.jobRunTable))
		if _, err := tx.ExecContext(ctx, dispatch, now, r.id, self.String()); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err == nil {
		return
	}
	logger.WarnF("scheduler: dispatching job run %s: %v, retrying", r.id, err)
	delay := outbox.DefaultRetryDelay(r.retryCount)
	retry := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL, start_time = NULL,
			retry_count = retry_count + 1, last_error = ?, scheduled_time = ?
		WHERE id = ? AND owner = ? AND status = 'Leased'
	`, s.jobRunTable))
	if _, rerr := s.db.ExecContext(ctx, retry, err.Error(), now.Add(delay), r.id, self.String()); rerr != nil {
		logger.ErrorF("scheduler: abandoning job run %s after dispatch failure: %v", r.id, rerr)
	}
}

// ReapExpiredTimers restores Leased timers whose lockedUntil has passed
// back to Pending without bumping retryCount, mirroring
// outbox.Outbox.ReapExpired for a scheduler pass that claimed a batch
// and then crashed before resolveTimer ran.
func (s *Scheduler) ReapExpiredTimers(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL
		WHERE status = 'Leased' AND locked_until <= ?
	`, s.timerTable))
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReapExpiredJobRuns is ReapExpiredTimers for dispatch_job_run rows.
func (s *Scheduler) ReapExpiredJobRuns(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	query := store.Rebind(s.dialect, fmt.Sprintf(`
		UPDATE %s SET status = 'Pending', owner = NULL, locked_until = NULL, start_time = NULL
		WHERE status = 'Leased' AND locked_until <= ?
	`, s.jobRunTable))
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Scheduler) enqueueInTx(ctx context.Context, tx *sql.Tx, topic string, payload []byte, correlationID string, now time.Time) error {
	id, err := uuid.V4()
	if err != nil {
		return err
	}
	insert := store.Rebind(s.dialect, fmt.Sprintf(`
		INSERT INTO %s (id, topic, payload, message_key, correlation_id, status, retry_count, due_time_utc, created_at)
		VALUES (?, ?, ?, NULL, ?, 'Pending', 0, NULL, ?)
	`, s.outboxTable))
	_, err = tx.ExecContext(ctx, insert, id.String(), topic, payload, correlationID, now)
	return err
}

func (s *Scheduler) nextTimerDue(ctx context.Context, exec store.Execer) (time.Time, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`SELECT MIN(due_time_utc) FROM %s WHERE status = 'Pending'`, s.timerTable))
	var t sql.NullTime
	if err := exec.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (s *Scheduler) nextJobRunDue(ctx context.Context, exec store.Execer) (time.Time, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`SELECT MIN(scheduled_time) FROM %s WHERE status = 'Pending'`, s.jobRunTable))
	var t sql.NullTime
	if err := exec.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

func (s *Scheduler) nextJobDueTime(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	query := store.Rebind(s.dialect, fmt.Sprintf(`SELECT MIN(next_due_time) FROM %s WHERE is_enabled = TRUE`, s.jobTable))
	var t sql.NullTime
	if err := tx.QueryRowContext(ctx, query).Scan(&t); err != nil {
		return time.Time{}, err
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// RetentionSweep deletes JobRun rows whose endTime is older than
// retentionPeriod, mirroring outbox.RetentionSweep for job-run history.
func (s *Scheduler) RetentionSweep(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retentionPeriod)
	query := store.Rebind(s.dialect, fmt.Sprintf(`DELETE FROM %s WHERE end_time IS NOT NULL AND end_time < ?`, s.jobRunTable))
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func earliest(times ...time.Time) time.Time {
	var best time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	return best
}
