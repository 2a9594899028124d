// Package web provides HTTP request and response types for the automation API.
package web

import "github.com/pushline/pushline/pkg/models"

// CreateAutomationRequest represents the request body for creating a new automation.
type CreateAutomationRequest struct {
	Name         string                    `json:"name"          validate:"required,min=3"`
	Type         models.AutomationType     `json:"type"          validate:"required,oneof=single_push sequence recurring triggered"`
	Schedule     models.Schedule           `json:"schedule"      validate:"required"`
	PushSequence []models.PushStep         `json:"push_sequence" validate:"min=1,dive"`
	Audience     models.AudienceCriteria   `json:"audience_criteria"`
	Settings     models.AutomationSettings `json:"settings"`
	Owner        string                    `json:"owner"         validate:"required"`
}

// UpdateAutomationRequest represents the request body for updating an existing
// automation. All fields are optional to support partial updates; status is
// changed through the status endpoint, never here.
type UpdateAutomationRequest struct {
	Name         *string                    `json:"name,omitempty" validate:"omitempty,min=3"`
	Schedule     *models.Schedule           `json:"schedule,omitempty"`
	PushSequence []models.PushStep          `json:"push_sequence,omitempty" validate:"omitempty,min=1,dive"`
	Audience     *models.AudienceCriteria   `json:"audience_criteria,omitempty"`
	Settings     *models.AutomationSettings `json:"settings,omitempty"`
}

// ChangeStatusRequest represents the request body for a lifecycle transition.
type ChangeStatusRequest struct {
	Status models.AutomationStatus `json:"status" validate:"required"`
}

// EmergencyStopRequest represents the request body for an emergency stop.
type EmergencyStopRequest struct {
	RequestedBy string `json:"requested_by"`
}

// EmergencyStopResponse reports what the stop request affected. ExecutionID is
// empty when no run was in flight on this instance.
type EmergencyStopResponse struct {
	AutomationID string `json:"automation_id"`
	ExecutionID  string `json:"execution_id,omitempty"`
	Stopped      bool   `json:"stopped"`
}
