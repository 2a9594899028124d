package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE automations (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				schedule JSONB NOT NULL,
				push_sequence JSONB NOT NULL,
				audience_criteria JSONB,
				settings JSONB,
				owner VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automations_status ON automations(status);
			CREATE INDEX idx_automations_owner ON automations(owner);

			CREATE TABLE executions (
				id UUID PRIMARY KEY,
				automation_id UUID NOT NULL,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				phase VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				audience_size INT NOT NULL DEFAULT 0,
				sent_count INT NOT NULL DEFAULT 0,
				failed_count INT NOT NULL DEFAULT 0,
				error_detail TEXT
			);

			CREATE INDEX idx_executions_automation_id ON executions(automation_id);
			CREATE INDEX idx_executions_status ON executions(status);
			CREATE INDEX idx_executions_started_at ON executions(started_at);
		`,
		2: `
			CREATE TABLE cadence_records (
				user_id VARCHAR(255) NOT NULL,
				layer_id INT NOT NULL,
				sent_at TIMESTAMP WITH TIME ZONE NOT NULL,
				send_event_id VARCHAR(255) NOT NULL,
				PRIMARY KEY (user_id, layer_id)
			);

			CREATE INDEX idx_cadence_records_sent_at ON cadence_records(sent_at);
		`,
	}
}

// migrator applies ordered schema migrations inside transactions, recording
// each applied version in schema_migrations.
type migrator struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

func newMigrator(logger *slog.Logger, db *sql.DB, migrations map[int]string) *migrator {
	return &migrator{db: db, logger: logger, migrations: migrations}
}

// Run handles database schema creation and updates.
func (m *migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.currentSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	m.logger.InfoContext(ctx, "Current schema version", "version", currentVersion)

	versions := make([]int, 0, len(m.migrations))
	for version := range m.migrations {
		versions = append(versions, version)
	}

	sort.Ints(versions)

	for _, version := range versions {
		if version <= currentVersion {
			continue
		}

		if err := m.apply(ctx, version, m.migrations[version]); err != nil {
			return err
		}
	}

	return nil
}

func (m *migrator) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)

	return err
}

func (m *migrator) currentSchemaVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *migrator) apply(ctx context.Context, version int, migration string) error {
	m.logger.InfoContext(ctx, "Applying migration", "version", version)

	transaction, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}

	if _, err := transaction.ExecContext(ctx, migration); err != nil {
		_ = transaction.Rollback()

		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}

	if _, err := transaction.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = transaction.Rollback()

		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}

	return nil
}
