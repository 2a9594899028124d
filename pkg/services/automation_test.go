package services

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
	"github.com/pushline/pushline/pkg/persistence/file"
	"github.com/pushline/pushline/pkg/testutil"
)

func newService(t *testing.T) (*Automation, *file.Persistence) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	service, err := NewAutomation(store, validator.New())
	require.NoError(t, err)

	return service, store
}

func validAutomation() *models.Automation {
	return testutil.CreateTestAutomation(func(a *models.Automation) {
		a.Audience = models.AudienceCriteria{
			Filter: map[string]any{
				"segments":                []any{"en-casual"},
				"last_active_within_days": 14,
			},
		}
	})
}

func TestAutomationCreate(t *testing.T) {
	service, _ := newService(t)

	automation := validAutomation()
	automation.ID = ""
	automation.PushSequence[0].ID = ""

	created, err := service.Create(context.Background(), automation)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.PushSequence[0].ID)
	assert.Equal(t, models.AutomationStatusDraft, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	stored, err := service.FetchByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, stored.Name)
}

func TestAutomationCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Automation)
	}{
		{
			name:   "name too short",
			mutate: func(a *models.Automation) { a.Name = "ab" },
		},
		{
			name:   "no push steps",
			mutate: func(a *models.Automation) { a.PushSequence = nil },
		},
		{
			name:   "layer out of range",
			mutate: func(a *models.Automation) { a.PushSequence[0].LayerID = 9 },
		},
		{
			name:   "bad cron expression",
			mutate: func(a *models.Automation) { a.Schedule.Frequency = "not cron" },
		},
		{
			name:   "bad timezone",
			mutate: func(a *models.Automation) { a.Schedule.Timezone = "Mars/Olympus" },
		},
		{
			name:   "no audience at all",
			mutate: func(a *models.Automation) { a.Audience = models.AudienceCriteria{} },
		},
		{
			name: "unknown filter property",
			mutate: func(a *models.Automation) {
				a.Audience.Filter = map[string]any{"vip_only": true}
			},
		},
		{
			name: "script path traversal",
			mutate: func(a *models.Automation) {
				a.Audience = models.AudienceCriteria{Script: "../../etc/passwd"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, _ := newService(t)

			automation := validAutomation()
			tt.mutate(automation)

			_, err := service.Create(context.Background(), automation)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected a validation error, got %v", err)
		})
	}
}

func TestAutomationUpdatePreservesIdentity(t *testing.T) {
	service, _ := newService(t)

	created, err := service.Create(context.Background(), validAutomation())
	require.NoError(t, err)

	_, err = service.ChangeStatus(context.Background(), created.ID, models.AutomationStatusActive)
	require.NoError(t, err)

	edited := validAutomation()
	edited.Name = "Renamed Automation"
	edited.Status = models.AutomationStatusDraft // ignored

	updated, err := service.Update(context.Background(), created.ID, edited)
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, models.AutomationStatusActive, updated.Status)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, "Renamed Automation", updated.Name)
}

func TestAutomationUpdateNotFound(t *testing.T) {
	service, _ := newService(t)

	_, err := service.Update(context.Background(), "missing", validAutomation())
	require.Error(t, err)
	assert.True(t, persistence.IsAutomationNotFound(err))
}

func TestAutomationStatusTransitions(t *testing.T) {
	tests := []struct {
		from    models.AutomationStatus
		to      models.AutomationStatus
		allowed bool
	}{
		{models.AutomationStatusDraft, models.AutomationStatusActive, true},
		{models.AutomationStatusActive, models.AutomationStatusPaused, true},
		{models.AutomationStatusPaused, models.AutomationStatusActive, true},
		{models.AutomationStatusFailed, models.AutomationStatusActive, true},
		{models.AutomationStatusDraft, models.AutomationStatusPaused, false},
		{models.AutomationStatusCompleted, models.AutomationStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			service, store := newService(t)

			automation := validAutomation()
			automation.Status = tt.from
			require.NoError(t, store.AutomationRepository().SaveAutomation(context.Background(), automation))

			changed, err := service.ChangeStatus(context.Background(), automation.ID, tt.to)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, changed.Status)

				return
			}

			require.Error(t, err)
			assert.True(t, IsConflictError(err), "expected a conflict error, got %v", err)
		})
	}
}

func TestActivationClearsEmergencyStop(t *testing.T) {
	service, store := newService(t)

	automation := validAutomation()
	automation.Status = models.AutomationStatusPaused
	automation.Settings.EmergencyStop = true
	require.NoError(t, store.AutomationRepository().SaveAutomation(context.Background(), automation))

	activated, err := service.ChangeStatus(context.Background(), automation.ID, models.AutomationStatusActive)
	require.NoError(t, err)
	assert.False(t, activated.Settings.EmergencyStop)
}

func TestListAutomationsFilters(t *testing.T) {
	service, store := newService(t)

	active := validAutomation()
	active.Status = models.AutomationStatusActive
	active.Owner = "alice"
	require.NoError(t, store.AutomationRepository().SaveAutomation(context.Background(), active))

	draft := validAutomation()
	draft.Owner = "bob"
	require.NoError(t, store.AutomationRepository().SaveAutomation(context.Background(), draft))

	all, err := service.ListAutomations(context.Background(), ListAutomationsRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	status := models.AutomationStatusActive
	filtered, err := service.ListAutomations(context.Background(), ListAutomationsRequest{Status: &status})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, active.ID, filtered[0].ID)

	byOwner, err := service.ListAutomations(context.Background(), ListAutomationsRequest{Owner: "bob"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, draft.ID, byOwner[0].ID)
}

func TestListExecutionsRequiresAutomation(t *testing.T) {
	service, store := newService(t)

	_, err := service.ListExecutions(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsAutomationNotFound(err))

	automation := validAutomation()
	require.NoError(t, store.AutomationRepository().SaveAutomation(context.Background(), automation))

	row := testutil.CreateTestExecution(automation.ID)
	require.NoError(t, store.ExecutionRepository().AppendExecution(context.Background(), row))

	rows, err := service.ListExecutions(context.Background(), automation.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	fetched, err := service.FetchExecution(context.Background(), row.ID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, fetched.ID)
}
