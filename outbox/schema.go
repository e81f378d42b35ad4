package outbox

import "context"

// DeploySchema creates the outbox table and its message-key uniqueness
// index if they do not already exist. Gated by the enableSchemaDeployment
// option at the call site; the statements themselves are idempotent
// regardless.
func (o *Outbox) DeploySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + o.table + ` (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload BLOB NOT NULL,
			message_key TEXT,
			correlation_id TEXT,
			status TEXT NOT NULL,
			owner TEXT,
			locked_until TIMESTAMP,
			due_time_utc TIMESTAMP,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + indexName(o.table, "message_key") + ` ON ` + o.table + ` (message_key) WHERE message_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ` + indexName(o.table, "claim") + ` ON ` + o.table + ` (status, due_time_utc, created_at, id)`,
	}
	for _, stmt := range ddl {
		if _, err := o.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DeploySchema creates the join and join-member tables.
func (j *JoinCoordinator) DeploySchema(ctx context.Context) error {
	if err := j.Outbox.DeploySchema(ctx); err != nil {
		return err
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ` + j.joinTable + ` (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			expected_steps INTEGER NOT NULL,
			completed_steps INTEGER NOT NULL DEFAULT 0,
			failed_steps INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			metadata BLOB,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + j.memberTable + ` (
			join_id TEXT NOT NULL,
			outbox_message_id TEXT NOT NULL,
			completed_at TIMESTAMP,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (join_id, outbox_message_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func indexName(table, suffix string) string {
	clean := make([]byte, 0, len(table))
	for i := 0; i < len(table); i++ {
		c := table[i]
		if c == '.' {
			clean = append(clean, '_')
			continue
		}
		clean = append(clean, c)
	}
	return "idx_" + string(clean) + "_" + suffix
}
