package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence/file"
	"github.com/pushline/pushline/pkg/registry"
	"github.com/pushline/pushline/pkg/services"
	"github.com/pushline/pushline/pkg/testutil"
	"github.com/pushline/pushline/pkg/web"
)

type fakeScheduler struct {
	debug       registry.DebugInfo
	stopped     []string
	scheduled   []string
	unscheduled []string
	executionID string
}

func (s *fakeScheduler) DebugInfo() registry.DebugInfo { return s.debug }

func (s *fakeScheduler) RequestEmergencyStop(_ context.Context, automationID, _ string) (string, error) {
	s.stopped = append(s.stopped, automationID)

	return s.executionID, nil
}

func (s *fakeScheduler) ScheduleAutomation(_ context.Context, automationID string) error {
	s.scheduled = append(s.scheduled, automationID)

	return nil
}

func (s *fakeScheduler) UnscheduleAutomation(automationID string) {
	s.unscheduled = append(s.unscheduled, automationID)
}

type testEnv struct {
	app       *fiber.App
	store     *file.Persistence
	service   *services.Automation
	scheduler *fakeScheduler
}

func setupTestApp(t *testing.T, scheduler *fakeScheduler) *testEnv {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	service, err := services.NewAutomation(store, validator.New())
	require.NoError(t, err)

	var sched web.Scheduler
	if scheduler != nil {
		sched = scheduler
	}

	handlers := web.NewAPIHandlers(service, validator.New(), sched, nil)

	app := fiber.New()
	handlers.Register(app)

	return &testEnv{app: app, store: store, service: service, scheduler: scheduler}
}

func (e *testEnv) saveAutomation(t *testing.T, automation *models.Automation) {
	t.Helper()
	require.NoError(t, e.store.AutomationRepository().SaveAutomation(context.Background(), automation))
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer

	if body != nil {
		if str, ok := body.(string); ok {
			buf.WriteString(str)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func automationBody() web.CreateAutomationRequest {
	return web.CreateAutomationRequest{
		Name: "Morning Digest",
		Type: models.AutomationTypeRecurring,
		Schedule: models.Schedule{
			Timezone:        "UTC",
			Frequency:       "0 9 * * *",
			LeadTimeMinutes: 30,
		},
		PushSequence: []models.PushStep{{
			Name:    "digest",
			Channel: models.ChannelPush,
			Title:   "Good morning",
			Body:    "Your digest is ready",
			LayerID: 3,
		}},
		Audience: models.AudienceCriteria{
			Filter: map[string]any{"segments": []any{"digest-subscribers"}},
		},
		Settings: models.AutomationSettings{
			TestUserIDs:               []string{"qa-1"},
			MaxAudienceSize:           1000,
			CancellationWindowMinutes: 10,
			DryRunFirst:               true,
		},
		Owner: "growth-team",
	}
}

func TestCreateAutomation(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{
			name:           "successful creation",
			body:           automationBody(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing name",
			body: func() web.CreateAutomationRequest {
				r := automationBody()
				r.Name = ""

				return r
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown audience filter key",
			body: func() web.CreateAutomationRequest {
				r := automationBody()
				r.Audience.Filter = map[string]any{"not_a_thing": 1}

				return r
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestApp(t, nil)

			resp := env.request(t, http.MethodPost, "/automations/", tt.body)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus != http.StatusCreated {
				return
			}

			var created models.Automation
			decodeBody(t, resp, &created)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, models.AutomationStatusDraft, created.Status)
			assert.Equal(t, "Morning Digest", created.Name)
		})
	}
}

func TestGetAutomationNotFound(t *testing.T) {
	env := setupTestApp(t, nil)

	resp := env.request(t, http.MethodGet, "/automations/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListAutomationsByStatus(t *testing.T) {
	env := setupTestApp(t, nil)

	active := testutil.CreateTestAutomation()
	draft := testutil.CreateTestAutomation(testutil.WithStatus(models.AutomationStatusDraft))
	env.saveAutomation(t, active)
	env.saveAutomation(t, draft)

	resp := env.request(t, http.MethodGet, "/automations/?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Automations []models.Automation `json:"automations"`
		Count       int                 `json:"count"`
	}

	decodeBody(t, resp, &result)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, active.ID, result.Automations[0].ID)
}

func TestChangeStatusSchedulesTimer(t *testing.T) {
	scheduler := &fakeScheduler{}
	env := setupTestApp(t, scheduler)

	automation := testutil.CreateTestAutomation(testutil.WithStatus(models.AutomationStatusDraft))
	automation.Audience = models.AudienceCriteria{Filter: map[string]any{"segments": []any{"all"}}}
	env.saveAutomation(t, automation)

	resp := env.request(t, http.MethodPost, "/automations/"+automation.ID+"/status",
		web.ChangeStatusRequest{Status: models.AutomationStatusActive})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{automation.ID}, scheduler.scheduled)

	resp = env.request(t, http.MethodPost, "/automations/"+automation.ID+"/status",
		web.ChangeStatusRequest{Status: models.AutomationStatusPaused})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{automation.ID}, scheduler.unscheduled)
}

func TestChangeStatusConflict(t *testing.T) {
	env := setupTestApp(t, nil)

	automation := testutil.CreateTestAutomation(testutil.WithStatus(models.AutomationStatusDraft))
	env.saveAutomation(t, automation)

	resp := env.request(t, http.MethodPost, "/automations/"+automation.ID+"/status",
		web.ChangeStatusRequest{Status: models.AutomationStatusPaused})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEmergencyStopWithScheduler(t *testing.T) {
	scheduler := &fakeScheduler{executionID: "exec-123"}
	env := setupTestApp(t, scheduler)

	automation := testutil.CreateTestAutomation()
	env.saveAutomation(t, automation)

	resp := env.request(t, http.MethodPost, "/automations/"+automation.ID+"/emergency-stop",
		web.EmergencyStopRequest{RequestedBy: "oncall"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result web.EmergencyStopResponse
	decodeBody(t, resp, &result)
	assert.True(t, result.Stopped)
	assert.Equal(t, "exec-123", result.ExecutionID)
	assert.Equal(t, []string{automation.ID}, scheduler.stopped)
}

func TestEmergencyStopWithoutScheduler(t *testing.T) {
	env := setupTestApp(t, nil)

	automation := testutil.CreateTestAutomation()
	env.saveAutomation(t, automation)

	resp := env.request(t, http.MethodPost, "/automations/"+automation.ID+"/emergency-stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The flag is persisted for checkpoint pickup by the owning instance.
	stored, err := env.store.AutomationRepository().AutomationByID(context.Background(), automation.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settings.EmergencyStop)
}

func TestSchedulerDebugEndpoint(t *testing.T) {
	scheduler := &fakeScheduler{debug: registry.DebugInfo{
		InstanceID:         "instance-1",
		ScheduledJobsCount: 1,
		ScheduledJobs: []models.ScheduledJobEntry{{
			AutomationID: "auto-1",
			FireAt:       time.Now().UTC().Add(time.Hour),
			InstanceID:   "instance-1",
		}},
	}}
	env := setupTestApp(t, scheduler)

	resp := env.request(t, http.MethodGet, "/debug/scheduler", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info registry.DebugInfo
	decodeBody(t, resp, &info)
	assert.Equal(t, "instance-1", info.InstanceID)
	assert.Equal(t, 1, info.ScheduledJobsCount)
}

func TestSchedulerDebugUnavailableWithoutScheduler(t *testing.T) {
	env := setupTestApp(t, nil)

	resp := env.request(t, http.MethodGet, "/debug/scheduler", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetExecutions(t *testing.T) {
	env := setupTestApp(t, nil)

	automation := testutil.CreateTestAutomation()
	env.saveAutomation(t, automation)

	row := testutil.CreateTestExecution(automation.ID)
	require.NoError(t, env.store.ExecutionRepository().AppendExecution(context.Background(), row))

	resp := env.request(t, http.MethodGet, "/automations/"+automation.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Executions []models.Execution `json:"executions"`
		Count      int                `json:"count"`
	}

	decodeBody(t, resp, &result)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, row.ID, result.Executions[0].ID)

	resp = env.request(t, http.MethodGet, "/executions/"+row.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Execution
	decodeBody(t, resp, &fetched)
	assert.Equal(t, row.ID, fetched.ID)

	resp = env.request(t, http.MethodGet, "/executions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetLastExecution(t *testing.T) {
	env := setupTestApp(t, nil)

	automation := testutil.CreateTestAutomation()
	env.saveAutomation(t, automation)

	// No runs yet.
	resp := env.request(t, http.MethodGet, "/automations/"+automation.ID+"/executions/last", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	older := testutil.CreateTestExecution(automation.ID)
	older.StartedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.store.ExecutionRepository().AppendExecution(context.Background(), older))

	newer := testutil.CreateTestExecution(automation.ID)
	newer.StartedAt = time.Now().UTC()
	require.NoError(t, env.store.ExecutionRepository().AppendExecution(context.Background(), newer))

	resp = env.request(t, http.MethodGet, "/automations/"+automation.ID+"/executions/last", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.Execution
	decodeBody(t, resp, &fetched)
	assert.Equal(t, newer.ID, fetched.ID)

	resp = env.request(t, http.MethodGet, "/automations/unknown/executions/last", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteAutomationDropsTimer(t *testing.T) {
	scheduler := &fakeScheduler{}
	env := setupTestApp(t, scheduler)

	automation := testutil.CreateTestAutomation()
	env.saveAutomation(t, automation)

	resp := env.request(t, http.MethodDelete, "/automations/"+automation.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, []string{automation.ID}, scheduler.unscheduled)

	_, err := env.store.AutomationRepository().AutomationByID(context.Background(), automation.ID)
	require.Error(t, err)
}
