package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// AutomationRepository handles automation-related database operations.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAutomationRepository creates a new automation repository.
func NewAutomationRepository(db *sql.DB, logger *slog.Logger) *AutomationRepository {
	return &AutomationRepository{db: db, logger: logger}
}

const automationColumns = `
	id
  , name
  , type
  , status
  , schedule
  , push_sequence
  , audience_criteria
  , settings
  , owner
  , created_at
  , updated_at
`

// Automations returns all automations, newest first.
func (r *AutomationRepository) Automations(ctx context.Context) ([]*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	automations := make([]*models.Automation, 0)

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		automations = append(automations, automation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating automations: %w", err)
	}

	return automations, nil
}

// AutomationByID returns one automation or persistence.ErrAutomationNotFound.
func (r *AutomationRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`

	automation, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, fmt.Errorf("failed to scan automation: %w", err)
	}

	return automation, nil
}

// SaveAutomation upserts the automation definition.
func (r *AutomationRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	now := time.Now().UTC()

	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	if automation.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate automation ID: %w", err)
		}

		automation.ID = id.String()
	}

	scheduleJSON, err := json.Marshal(automation.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}

	sequenceJSON, err := json.Marshal(automation.PushSequence)
	if err != nil {
		return fmt.Errorf("failed to marshal push sequence: %w", err)
	}

	audienceJSON, err := json.Marshal(automation.Audience)
	if err != nil {
		return fmt.Errorf("failed to marshal audience criteria: %w", err)
	}

	settingsJSON, err := json.Marshal(automation.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO automations (id, name, type, status, schedule, push_sequence, audience_criteria, settings, owner, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			status = EXCLUDED.status,
			schedule = EXCLUDED.schedule,
			push_sequence = EXCLUDED.push_sequence,
			audience_criteria = EXCLUDED.audience_criteria,
			settings = EXCLUDED.settings,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		automation.ID,
		automation.Name,
		automation.Type,
		automation.Status,
		scheduleJSON,
		sequenceJSON,
		audienceJSON,
		settingsJSON,
		automation.Owner,
		automation.CreatedAt,
		automation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save automation: %w", err)
	}

	return nil
}

// UpdateAutomationStatus mutates only the status field.
func (r *AutomationRepository) UpdateAutomationStatus(ctx context.Context, id string, status models.AutomationStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automations SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update automation status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrAutomationNotFound
	}

	return nil
}

// DeleteAutomation removes the automation, idempotent when absent.
func (r *AutomationRepository) DeleteAutomation(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM automations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete automation: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (*models.Automation, error) {
	var (
		automation   models.Automation
		scheduleJSON []byte
		sequenceJSON []byte
		audienceJSON []byte
		settingsJSON []byte
	)

	err := row.Scan(
		&automation.ID,
		&automation.Name,
		&automation.Type,
		&automation.Status,
		&scheduleJSON,
		&sequenceJSON,
		&audienceJSON,
		&settingsJSON,
		&automation.Owner,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scheduleJSON, &automation.Schedule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
	}

	if err := json.Unmarshal(sequenceJSON, &automation.PushSequence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal push sequence: %w", err)
	}

	if len(audienceJSON) > 0 {
		if err := json.Unmarshal(audienceJSON, &automation.Audience); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audience criteria: %w", err)
		}
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &automation.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}

	return &automation, nil
}
