// Package postgresql provides PostgreSQL persistence for automations,
// the execution ledger, and cadence history.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/pushline/pushline/pkg/persistence"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	automationRepo *AutomationRepository
	executionRepo  *ExecutionRepository
	cadenceRepo    *CadenceRepository
}

// NewPersistence connects, migrates the schema, and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		automationRepo: NewAutomationRepository(database, logger),
		executionRepo:  NewExecutionRepository(database, logger),
		cadenceRepo:    NewCadenceRepository(database, logger),
	}

	migrator := newMigrator(logger, database, migrations())
	if err := migrator.Run(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

func (p *Persistence) AutomationRepository() persistence.AutomationRepository {
	return p.automationRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) CadenceRepository() persistence.CadenceRepository {
	return p.cadenceRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
