// Package testutil provides test data builders shared across package tests.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/pushline/pushline/pkg/models"
)

// CreateTestAutomation creates an automation with sane defaults that can be
// overridden per test.
func CreateTestAutomation(overrides ...func(*models.Automation)) *models.Automation {
	automation := &models.Automation{
		ID:     uuid.New().String(),
		Name:   "Test Automation",
		Type:   models.AutomationTypeRecurring,
		Status: models.AutomationStatusActive,
		Schedule: models.Schedule{
			Timezone:        "UTC",
			Frequency:       "0 9 * * *",
			LeadTimeMinutes: 30,
		},
		PushSequence: []models.PushStep{
			{
				ID:      uuid.New().String(),
				Name:    "Test Step",
				Channel: models.ChannelPush,
				Title:   "Hello",
				Body:    "Test body",
				LayerID: 3,
			},
		},
		Settings: models.AutomationSettings{
			TestUserIDs:               []string{"test-user-1"},
			MaxAudienceSize:           10000,
			CancellationWindowMinutes: 10,
			DryRunFirst:               true,
		},
		Owner: "tester",
	}

	for _, override := range overrides {
		override(automation)
	}

	return automation
}

// WithStatus sets the automation status.
func WithStatus(status models.AutomationStatus) func(*models.Automation) {
	return func(a *models.Automation) {
		a.Status = status
	}
}

// WithSettings replaces the automation settings.
func WithSettings(settings models.AutomationSettings) func(*models.Automation) {
	return func(a *models.Automation) {
		a.Settings = settings
	}
}

// WithSteps replaces the push sequence.
func WithSteps(steps ...models.PushStep) func(*models.Automation) {
	return func(a *models.Automation) {
		a.PushSequence = steps
	}
}

// CreateTestExecution creates a running execution row for the automation.
func CreateTestExecution(automationID string) *models.Execution {
	now := time.Now().UTC()

	return &models.Execution{
		ID:           uuid.New().String(),
		AutomationID: automationID,
		FireAt:       now.Add(time.Hour),
		StartedAt:    now,
		Phase:        models.PhaseWaiting,
		Status:       models.ExecutionStatusRunning,
	}
}
