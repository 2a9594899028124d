package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// ExecutionRepository is the PostgreSQL-backed execution ledger.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , automation_id
  , fire_at
  , started_at
  , finished_at
  , phase
  , status
  , audience_size
  , sent_count
  , failed_count
  , error_detail
`

// AppendExecution inserts a new ledger row; reusing an id is an error.
func (r *ExecutionRepository) AppendExecution(ctx context.Context, execution *models.Execution) error {
	query := `
		INSERT INTO executions (id, automation_id, fire_at, started_at, finished_at, phase, status, audience_size, sent_count, failed_count, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.AutomationID,
		execution.FireAt,
		execution.StartedAt,
		execution.FinishedAt,
		execution.Phase,
		execution.Status,
		execution.AudienceSize,
		execution.SentCount,
		execution.FailedCount,
		nullableString(execution.ErrorDetail),
	)
	if err != nil {
		return persistence.NewExecutionError("Append", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Append", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Append", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return nil
}

// UpdateExecution rewrites the row. Rows already terminal are immutable, which
// the WHERE clause enforces without a read-modify-write race.
func (r *ExecutionRepository) UpdateExecution(ctx context.Context, execution *models.Execution) error {
	query := `
		UPDATE executions SET
			finished_at = $2,
			phase = $3,
			status = $4,
			audience_size = $5,
			sent_count = $6,
			failed_count = $7,
			error_detail = $8
		WHERE id = $1 AND status = 'running'
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.FinishedAt,
		execution.Phase,
		execution.Status,
		execution.AudienceSize,
		execution.SentCount,
		execution.FailedCount,
		nullableString(execution.ErrorDetail),
	)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if affected == 0 {
		existing, err := r.ExecutionByID(ctx, execution.ID)
		if err != nil {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		if existing.Status.Terminal() {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionTerminal)
		}

		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	return nil
}

// ExecutionByID returns one row or persistence.ErrExecutionNotFound.
func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// ExecutionsByAutomation returns the automation's rows, newest start first.
func (r *ExecutionRepository) ExecutionsByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE automation_id = $1 ORDER BY started_at DESC`

	return r.queryExecutions(ctx, query, automationID)
}

// LastExecution returns the most recently started row for the automation.
func (r *ExecutionRepository) LastExecution(ctx context.Context, automationID string) (*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE automation_id = $1 ORDER BY started_at DESC LIMIT 1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, automationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	return execution, nil
}

// NonTerminalExecutions returns rows still marked running.
func (r *ExecutionRepository) NonTerminalExecutions(ctx context.Context) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE status = 'running' ORDER BY started_at ASC`

	return r.queryExecutions(ctx, query)
}

func (r *ExecutionRepository) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.Execution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		execution   models.Execution
		errorDetail sql.NullString
	)

	err := row.Scan(
		&execution.ID,
		&execution.AutomationID,
		&execution.FireAt,
		&execution.StartedAt,
		&execution.FinishedAt,
		&execution.Phase,
		&execution.Status,
		&execution.AudienceSize,
		&execution.SentCount,
		&execution.FailedCount,
		&errorDetail,
	)
	if err != nil {
		return nil, err
	}

	execution.ErrorDetail = errorDetail.String

	return &execution, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
