package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
)

// ErrAutomationNotFound is returned when an automation is not found.
var ErrAutomationNotFound = persistence.ErrAutomationNotFound

// audienceFilterSchema constrains declarative audience filters. Script-based
// audiences bypass it; the script is the criteria.
const audienceFilterSchema = `{
	"type": "object",
	"properties": {
		"segments":              {"type": "array", "items": {"type": "string", "minLength": 1}},
		"exclude_segments":      {"type": "array", "items": {"type": "string", "minLength": 1}},
		"attributes":            {"type": "object"},
		"last_active_within_days": {"type": "integer", "minimum": 1},
		"locales":               {"type": "array", "items": {"type": "string", "minLength": 2}}
	},
	"additionalProperties": false
}`

// allowedStatusTransitions is the automation lifecycle. Terminal run outcomes
// (completed, failed, cancelled) are written by the engine, not through here.
var allowedStatusTransitions = map[models.AutomationStatus][]models.AutomationStatus{
	models.AutomationStatusDraft:     {models.AutomationStatusActive, models.AutomationStatusInactive},
	models.AutomationStatusActive:    {models.AutomationStatusPaused, models.AutomationStatusInactive},
	models.AutomationStatusPaused:    {models.AutomationStatusActive, models.AutomationStatusInactive},
	models.AutomationStatusInactive:  {models.AutomationStatusActive},
	models.AutomationStatusFailed:    {models.AutomationStatusActive},
	models.AutomationStatusCancelled: {models.AutomationStatusActive},
}

// Automation is the service behind the automation CRUD and lifecycle API.
type Automation struct {
	persistence persistence.Persistence
	validator   *validator.Validate
	schema      *gojsonschema.Schema
}

// NewAutomation creates a new automation service.
func NewAutomation(store persistence.Persistence, validate *validator.Validate) (*Automation, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(audienceFilterSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile audience filter schema: %w", err)
	}

	return &Automation{
		persistence: store,
		validator:   validate,
		schema:      schema,
	}, nil
}

// HealthCheck checks the health of the persistence layer.
func (s *Automation) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := s.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListAutomationsRequest filters the automation listing.
type ListAutomationsRequest struct {
	Status *models.AutomationStatus
	Owner  string
}

// ListAutomations retrieves automations, optionally filtered by status and owner.
func (s *Automation) ListAutomations(ctx context.Context, req ListAutomationsRequest) ([]*models.Automation, error) {
	if req.Status != nil && !validAutomationStatus(*req.Status) {
		return nil, NewValidationError(
			"ListAutomations",
			"INVALID_STATUS",
			fmt.Sprintf("invalid status '%s'", *req.Status),
			ErrInvalidStatus,
		)
	}

	automations, err := s.persistence.AutomationRepository().Automations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}

	filtered := make([]*models.Automation, 0, len(automations))

	for _, automation := range automations {
		if req.Status != nil && automation.Status != *req.Status {
			continue
		}

		if req.Owner != "" && automation.Owner != req.Owner {
			continue
		}

		filtered = append(filtered, automation)
	}

	return filtered, nil
}

// FetchByID retrieves an automation by its ID.
func (s *Automation) FetchByID(ctx context.Context, id string) (*models.Automation, error) {
	return s.persistence.AutomationRepository().AutomationByID(ctx, id)
}

// Create validates and stores a new automation. New automations always start
// in draft; activation is a separate step.
func (s *Automation) Create(ctx context.Context, automation *models.Automation) (*models.Automation, error) {
	if automation == nil {
		return nil, ErrAutomationNil
	}

	now := time.Now().UTC()
	automation.ID = uuid.Must(uuid.NewV7()).String()
	automation.Status = models.AutomationStatusDraft
	automation.CreatedAt = now
	automation.UpdatedAt = now

	for i := range automation.PushSequence {
		if automation.PushSequence[i].ID == "" {
			automation.PushSequence[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := s.validate(automation); err != nil {
		return nil, err
	}

	if err := s.persistence.AutomationRepository().SaveAutomation(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}

	return automation, nil
}

// Update modifies an existing automation, preserving its identity, status and
// creation time.
func (s *Automation) Update(ctx context.Context, id string, automation *models.Automation) (*models.Automation, error) {
	if automation == nil {
		return nil, ErrAutomationNil
	}

	existing, err := s.persistence.AutomationRepository().AutomationByID(ctx, id)
	if err != nil {
		return nil, err
	}

	automation.ID = id
	automation.Status = existing.Status
	automation.CreatedAt = existing.CreatedAt
	automation.UpdatedAt = time.Now().UTC()

	if err := s.validate(automation); err != nil {
		return nil, err
	}

	if err := s.persistence.AutomationRepository().SaveAutomation(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to update automation: %w", err)
	}

	return automation, nil
}

// Delete removes an automation by its ID.
func (s *Automation) Delete(ctx context.Context, id string) error {
	if _, err := s.persistence.AutomationRepository().AutomationByID(ctx, id); err != nil {
		return err
	}

	return s.persistence.AutomationRepository().DeleteAutomation(ctx, id)
}

// ChangeStatus moves the automation through its lifecycle. Activation
// re-validates the definition and clears a standing emergency stop, so a
// stopped automation must be explicitly re-armed.
func (s *Automation) ChangeStatus(ctx context.Context, id string, to models.AutomationStatus) (*models.Automation, error) {
	if !validAutomationStatus(to) {
		return nil, NewValidationError(
			"ChangeStatus",
			"INVALID_STATUS",
			fmt.Sprintf("invalid status '%s'", to),
			ErrInvalidStatus,
		)
	}

	automation, err := s.persistence.AutomationRepository().AutomationByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if automation.Status == to {
		return automation, nil
	}

	if !transitionAllowed(automation.Status, to) {
		return nil, NewValidationError(
			"ChangeStatus",
			"INVALID_STATUS_TRANSITION",
			fmt.Sprintf("cannot move automation from %s to %s", automation.Status, to),
			ErrInvalidStatusTransition,
		)
	}

	if to == models.AutomationStatusActive {
		if err := s.validate(automation); err != nil {
			return nil, err
		}

		automation.Settings.EmergencyStop = false
	}

	automation.Status = to
	automation.UpdatedAt = time.Now().UTC()

	if err := s.persistence.AutomationRepository().SaveAutomation(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to change automation status: %w", err)
	}

	return automation, nil
}

// SetEmergencyStop persists the automation's emergency stop flag. Running
// executions observe it at their next checkpoint, whichever instance owns
// them.
func (s *Automation) SetEmergencyStop(ctx context.Context, id string) (*models.Automation, error) {
	automation, err := s.persistence.AutomationRepository().AutomationByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if automation.Settings.EmergencyStop {
		return automation, nil
	}

	automation.Settings.EmergencyStop = true
	automation.UpdatedAt = time.Now().UTC()

	if err := s.persistence.AutomationRepository().SaveAutomation(ctx, automation); err != nil {
		return nil, fmt.Errorf("failed to persist emergency stop: %w", err)
	}

	return automation, nil
}

// ListExecutions returns the execution ledger rows for an automation, newest
// first.
func (s *Automation) ListExecutions(ctx context.Context, automationID string) ([]*models.Execution, error) {
	if _, err := s.persistence.AutomationRepository().AutomationByID(ctx, automationID); err != nil {
		return nil, err
	}

	return s.persistence.ExecutionRepository().ExecutionsByAutomation(ctx, automationID)
}

// FetchLastExecution returns the most recent execution ledger row for an
// automation, terminal or not.
func (s *Automation) FetchLastExecution(ctx context.Context, automationID string) (*models.Execution, error) {
	if _, err := s.persistence.AutomationRepository().AutomationByID(ctx, automationID); err != nil {
		return nil, err
	}

	return s.persistence.ExecutionRepository().LastExecution(ctx, automationID)
}

// FetchExecution returns one execution ledger row.
func (s *Automation) FetchExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	return s.persistence.ExecutionRepository().ExecutionByID(ctx, executionID)
}

func (s *Automation) validate(automation *models.Automation) error {
	if err := s.validator.Struct(automation); err != nil {
		return NewValidationError("validate", "INVALID_AUTOMATION", err.Error(), ErrInvalidRequest)
	}

	if err := automation.Schedule.Validate(); err != nil {
		return NewValidationError("validate", "INVALID_SCHEDULE", err.Error(), ErrInvalidRequest)
	}

	// The schedule must resolve to a real future instant; a cron expression
	// that parses but never fires is a configuration error.
	next, err := automation.Schedule.NextFireTime(time.Now().UTC())
	if err != nil {
		return NewValidationError("validate", "INVALID_SCHEDULE", err.Error(), ErrInvalidRequest)
	}

	if next.IsZero() {
		return NewValidationError("validate", "SCHEDULE_NEVER_FIRES",
			fmt.Sprintf("frequency %q yields no future fire time", automation.Schedule.Frequency),
			ErrScheduleNeverFires)
	}

	return s.validateAudience(automation.Audience)
}

func (s *Automation) validateAudience(criteria models.AudienceCriteria) error {
	if criteria.Script != "" {
		if strings.Contains(criteria.Script, "..") {
			return NewValidationError("validateAudience", "INVALID_AUDIENCE_SCRIPT",
				"script path must not traverse directories", ErrInvalidAudienceCriteria)
		}

		return nil
	}

	if len(criteria.Filter) == 0 {
		return NewValidationError("validateAudience", "MISSING_AUDIENCE",
			"either a filter or a script is required", ErrInvalidAudienceCriteria)
	}

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(criteria.Filter))
	if err != nil {
		return NewValidationError("validateAudience", "INVALID_AUDIENCE_FILTER", err.Error(), ErrInvalidAudienceCriteria)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return NewValidationError("validateAudience", "INVALID_AUDIENCE_FILTER",
			strings.Join(details, "; "), ErrInvalidAudienceCriteria)
	}

	return nil
}

func validAutomationStatus(status models.AutomationStatus) bool {
	switch status {
	case models.AutomationStatusDraft,
		models.AutomationStatusActive,
		models.AutomationStatusInactive,
		models.AutomationStatusScheduled,
		models.AutomationStatusRunning,
		models.AutomationStatusPaused,
		models.AutomationStatusCompleted,
		models.AutomationStatusFailed,
		models.AutomationStatusCancelled:
		return true
	default:
		return false
	}
}

func transitionAllowed(from, to models.AutomationStatus) bool {
	for _, allowed := range allowedStatusTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}
