// Package persistence provides the storage abstraction for automations,
// execution ledger rows, and cadence history.
package persistence

import (
	"context"
	"time"

	"github.com/pushline/pushline/pkg/models"
)

// AutomationRepository stores automation definitions. Status is the only
// field the engine mutates directly.
type AutomationRepository interface {
	Automations(ctx context.Context) ([]*models.Automation, error)
	AutomationByID(ctx context.Context, id string) (*models.Automation, error)
	SaveAutomation(ctx context.Context, automation *models.Automation) error
	UpdateAutomationStatus(ctx context.Context, id string, status models.AutomationStatus) error
	DeleteAutomation(ctx context.Context, id string) error
}

// ExecutionRepository is the execution ledger: append-only rows keyed by
// execution id, updated only by the state machine driving that run.
type ExecutionRepository interface {
	AppendExecution(ctx context.Context, execution *models.Execution) error
	UpdateExecution(ctx context.Context, execution *models.Execution) error
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	ExecutionsByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error)
	LastExecution(ctx context.Context, automationID string) (*models.Execution, error)
	NonTerminalExecutions(ctx context.Context) ([]*models.Execution, error)
}

// CadenceRepository stores per-(user, layer) send history. LastSent returns
// the most recent record, nil when the user has never been contacted in the
// layer. RecordSends is idempotent per (user, layer, send event).
type CadenceRepository interface {
	LastSent(ctx context.Context, userID string, layer models.LayerID) (*models.CadenceRecord, error)
	RecordSends(ctx context.Context, userIDs []string, layer models.LayerID, sendEventID string, sentAt time.Time) error
}

// Persistence aggregates the three stores behind one lifecycle.
type Persistence interface {
	AutomationRepository() AutomationRepository
	ExecutionRepository() ExecutionRepository
	CadenceRepository() CadenceRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
