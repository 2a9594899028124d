package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/pushline/pushline/pkg/eventbus"
	"github.com/pushline/pushline/pkg/events"
	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/registry"
	"github.com/pushline/pushline/pkg/services"
)

// Scheduler is the engine surface the API needs. It is nil when the API runs
// in a process without the scheduler; emergency stops then travel through the
// persisted flag and the event bus instead.
type Scheduler interface {
	DebugInfo() registry.DebugInfo
	RequestEmergencyStop(ctx context.Context, automationID, requestedBy string) (string, error)
	ScheduleAutomation(ctx context.Context, automationID string) error
	UnscheduleAutomation(automationID string)
}

type APIHandlers struct {
	automationService *services.Automation
	validator         *validator.Validate
	scheduler         Scheduler
	publisher         eventbus.EventPublisher
}

func NewAPIHandlers(
	automationService *services.Automation,
	validator *validator.Validate,
	scheduler Scheduler,
	publisher eventbus.EventPublisher,
) *APIHandlers {
	return &APIHandlers{
		automationService: automationService,
		validator:         validator,
		scheduler:         scheduler,
		publisher:         publisher,
	}
}

// Register mounts all automation API routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	a := app.Group("/automations")
	a.Get("/", h.GetAutomations)
	a.Post("/", h.CreateAutomation)
	a.Get("/:id", h.GetAutomation)
	a.Patch("/:id", h.UpdateAutomation)
	a.Delete("/:id", h.DeleteAutomation)
	a.Post("/:id/status", h.ChangeAutomationStatus)
	a.Post("/:id/emergency-stop", h.EmergencyStop)
	a.Get("/:id/executions", h.GetAutomationExecutions)
	a.Get("/:id/executions/last", h.GetLastExecution)

	app.Get("/executions/:id", h.GetExecution)
	app.Get("/debug/scheduler", h.GetSchedulerDebug)
	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetAutomations(c fiber.Ctx) error {
	req := services.ListAutomationsRequest{Owner: c.Query("owner")}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.AutomationStatus(statusStr)
		req.Status = &status
	}

	automations, err := h.automationService.ListAutomations(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"automations": automations,
		"count":       len(automations),
	})
}

func (h *APIHandlers) GetAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	automation, err := h.automationService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) CreateAutomation(c fiber.Ctx) error {
	var req CreateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation := &models.Automation{
		Name:         req.Name,
		Type:         req.Type,
		Schedule:     req.Schedule,
		PushSequence: req.PushSequence,
		Audience:     req.Audience,
		Settings:     req.Settings,
		Owner:        req.Owner,
	}

	created, err := h.automationService.Create(c.Context(), automation)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	var req UpdateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.automationService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Schedule != nil {
		existing.Schedule = *req.Schedule
	}

	if req.PushSequence != nil {
		existing.PushSequence = req.PushSequence
	}

	if req.Audience != nil {
		existing.Audience = *req.Audience
	}

	if req.Settings != nil {
		existing.Settings = *req.Settings
	}

	updated, err := h.automationService.Update(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	// An edited schedule replaces the pending timer.
	if h.scheduler != nil && updated.Status.Schedulable() {
		if err := h.scheduler.ScheduleAutomation(c.Context(), id); err != nil {
			return internalError(c, err)
		}
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteAutomation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	if err := h.automationService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	if h.scheduler != nil {
		h.scheduler.UnscheduleAutomation(id)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ChangeAutomationStatus(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	var req ChangeStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation, err := h.automationService.ChangeStatus(c.Context(), id, req.Status)
	if err != nil {
		return handleServiceError(c, err)
	}

	if h.scheduler != nil {
		if automation.Status.Schedulable() {
			if err := h.scheduler.ScheduleAutomation(c.Context(), id); err != nil {
				return internalError(c, err)
			}
		} else {
			h.scheduler.UnscheduleAutomation(id)
		}
	}

	return c.JSON(automation)
}

func (h *APIHandlers) EmergencyStop(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	var req EmergencyStopRequest
	// The body is optional; a bare POST is a valid stop request.
	_ = c.Bind().JSON(&req)

	if h.scheduler != nil {
		executionID, err := h.scheduler.RequestEmergencyStop(c.Context(), id, req.RequestedBy)
		if err != nil {
			return handleServiceError(c, err)
		}

		return c.JSON(EmergencyStopResponse{
			AutomationID: id,
			ExecutionID:  executionID,
			Stopped:      true,
		})
	}

	// No collocated scheduler: persist the flag for checkpoint pickup and
	// notify whichever instance owns the run.
	if _, err := h.automationService.SetEmergencyStop(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	if h.publisher != nil {
		event := events.EmergencyStopRequested{
			BaseEvent:   events.NewBaseEvent(events.EmergencyStopRequestedEvent, id, uuid.New().String()),
			RequestedBy: req.RequestedBy,
		}

		if err := h.publisher.Publish(c.Context(), id, event); err != nil {
			return internalError(c, err)
		}
	}

	return c.JSON(EmergencyStopResponse{
		AutomationID: id,
		Stopped:      true,
	})
}

func (h *APIHandlers) GetAutomationExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	executions, err := h.automationService.ListExecutions(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions": executions,
		"count":      len(executions),
	})
}

// GetLastExecution returns the most recent ledger row for an automation, the
// quickest answer to "when did this last run and how did it go".
func (h *APIHandlers) GetLastExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Automation ID is required")
	}

	execution, err := h.automationService.FetchLastExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.automationService.FetchExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// GetSchedulerDebug exposes the job registry audit snapshot. Two reads
// disagreeing on instanceId is the duplicate-scheduler signal.
func (h *APIHandlers) GetSchedulerDebug(c fiber.Ctx) error {
	if h.scheduler == nil {
		return serviceUnavailable(c, "scheduler is not running in this process")
	}

	return c.JSON(h.scheduler.DebugInfo())
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.automationService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Pushline API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Pushline API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
