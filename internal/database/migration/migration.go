package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"datagate/internal/logging"
)

type migrationStep struct {
	Name string
	SQL  string
}

// sentinelTable is created by the last table step; its presence means the schema is complete.
const sentinelTable = "public.notifications"

var steps = []migrationStep{
	{
		Name: "create_table_tokens",
		SQL: `CREATE TABLE IF NOT EXISTS tokens (
  id             TEXT        PRIMARY KEY,
  kind           TEXT        NOT NULL CHECK (kind IN ('upload', 'download')),
  subject_id     TEXT        NOT NULL,
  issued_at      TIMESTAMPTZ NOT NULL,
  expires_at     TIMESTAMPTZ NOT NULL,
  max_uses       INTEGER     NOT NULL CHECK (max_uses >= 1),
  uses_remaining INTEGER     NOT NULL CHECK (uses_remaining >= 0),
  revoked        BOOLEAN     NOT NULL DEFAULT false
);`,
	},
	{
		Name: "create_index_tokens_expires_at",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens (expires_at);`,
	},
	{
		Name: "create_table_datasets",
		SQL: `CREATE TABLE IF NOT EXISTS datasets (
  id                 TEXT        PRIMARY KEY,
  state              TEXT        NOT NULL CHECK (state IN ('draft', 'uploading', 'uploaded', 'transferring', 'transferred', 'failed')),
  owner_id           TEXT        NOT NULL,
  created_at         TIMESTAMPTZ NOT NULL,
  last_transition_at TIMESTAMPTZ NOT NULL
);`,
	},
	{
		Name: "create_table_transfer_jobs",
		SQL: `CREATE TABLE IF NOT EXISTS transfer_jobs (
  id                 TEXT        PRIMARY KEY,
  dataset_id         TEXT        NOT NULL REFERENCES datasets (id),
  submission_id      TEXT        NOT NULL DEFAULT '',
  status             TEXT        NOT NULL CHECK (status IN ('submitted', 'active', 'succeeded', 'failed')),
  attempt            INTEGER     NOT NULL DEFAULT 0,
  submission_attempt INTEGER     NOT NULL DEFAULT 0,
  source_ref         TEXT        NOT NULL DEFAULT '',
  dest_ref           TEXT        NOT NULL DEFAULT '',
  last_error         TEXT        NOT NULL DEFAULT '',
  created_at         TIMESTAMPTZ NOT NULL,
  submitted_at       TIMESTAMPTZ,
  completed_at       TIMESTAMPTZ
);`,
	},
	{
		Name: "create_index_transfer_jobs_one_active",
		SQL: `CREATE UNIQUE INDEX IF NOT EXISTS uq_transfer_jobs_active_dataset
  ON transfer_jobs (dataset_id) WHERE status IN ('submitted', 'active');`,
	},
	{
		Name: "create_index_transfer_jobs_dataset_created",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_transfer_jobs_dataset_created ON transfer_jobs (dataset_id, created_at DESC);`,
	},
	{
		Name: "create_table_transfer_submissions",
		SQL: `CREATE TABLE IF NOT EXISTS transfer_submissions (
  submission_id TEXT        PRIMARY KEY,
  job_id        TEXT        NOT NULL REFERENCES transfer_jobs (id),
  dataset_id    TEXT        NOT NULL REFERENCES datasets (id),
  attempt       INTEGER     NOT NULL,
  submitted_at  TIMESTAMPTZ NOT NULL
);`,
	},
	{
		Name: "create_table_notifications",
		SQL: `CREATE TABLE IF NOT EXISTS notifications (
  seq             BIGSERIAL   UNIQUE,
  id              TEXT        PRIMARY KEY,
  dataset_id      TEXT        NOT NULL REFERENCES datasets (id),
  recipient_scope TEXT        NOT NULL,
  status          TEXT        NOT NULL CHECK (status IN ('unread', 'read')),
  dataset_state   TEXT        NOT NULL,
  snapshot        JSONB,
  created_at      TIMESTAMPTZ NOT NULL,
  read_at         TIMESTAMPTZ
);`,
	},
	{
		Name: "create_index_notifications_scope",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_notifications_scope ON notifications (recipient_scope, created_at DESC, seq DESC);`,
	},
}

// EnsureMigrated checks whether the schema exists and runs the steps if it doesn't.
// Every step is idempotent, so a run interrupted halfway is finished by the next one.
func EnsureMigrated(ctx context.Context, db *sql.DB, log *zap.Logger, dbHost string) error {
	log = logging.Component(log, "database").With(zap.String("db_host", dbHost))
	start := time.Now()

	log.Info("checking schema", zap.String("event", "db_migration_check"))

	var exists bool
	err := db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", sentinelTable).Scan(&exists)
	if err != nil {
		log.Error("schema check failed",
			zap.String("event", "db_migration_failed"),
			zap.Duration("duration_ms", time.Since(start)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}

	if exists {
		log.Info("schema already exists, skipping migration",
			zap.String("event", "db_migration_skip"),
			zap.Duration("duration_ms", time.Since(start)),
		)
		return nil
	}

	log.Info("migrating schema", zap.String("event", "db_migration_start"), zap.Int("steps", len(steps)))

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			log.Error("migration step failed",
				zap.String("event", "db_migration_failed"),
				zap.String("migration_step", step.Name),
				zap.Duration("duration_ms", time.Since(start)),
				zap.Error(err),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}
		log.Debug("migration step applied",
			zap.String("event", "db_migration_step"),
			zap.String("migration_step", step.Name),
			zap.Duration("step_duration_ms", time.Since(stepStart)),
		)
	}

	log.Info("schema migrated",
		zap.String("event", "db_migration_success"),
		zap.Duration("duration_ms", time.Since(start)),
	)
	return nil
}
