// Package events defines event types emitted over the execution lifecycle.
package events

import (
	"time"
)

type EventType string

// Kafka topic for execution lifecycle events.
const Topic = "pushline.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent       EventType = "execution.started"
	ExecutionPhaseChangedEvent  EventType = "execution.phase_changed"
	ExecutionCompletedEvent     EventType = "execution.completed"
	ExecutionFailedEvent        EventType = "execution.failed"
	ExecutionCancelledEvent     EventType = "execution.cancelled"
	EmergencyStopRequestedEvent EventType = "automation.emergency_stop_requested"
)

type BaseEvent struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	AutomationID string    `json:"automation_id"`
	InstanceID   string    `json:"instance_id,omitempty"`
}

// NewBaseEvent stamps a new event envelope.
func NewBaseEvent(eventType EventType, automationID, eventID string) BaseEvent {
	return BaseEvent{
		ID:           eventID,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		AutomationID: automationID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string    `json:"execution_id"`
	FireAt      time.Time `json:"fire_at"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionPhaseChanged struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	FromPhase   string `json:"from_phase"`
	ToPhase     string `json:"to_phase"`
}

func (e ExecutionPhaseChanged) GetType() EventType {
	return ExecutionPhaseChangedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID  string        `json:"execution_id"`
	AudienceSize int           `json:"audience_size"`
	SentCount    int           `json:"sent_count"`
	FailedCount  int           `json:"failed_count"`
	Duration     time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Phase       string `json:"phase"`
	Error       string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Phase       string `json:"phase"`
}

func (e ExecutionCancelled) GetType() EventType {
	return ExecutionCancelledEvent
}

type EmergencyStopRequested struct {
	BaseEvent

	ExecutionID string `json:"execution_id,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (e EmergencyStopRequested) GetType() EventType {
	return EmergencyStopRequestedEvent
}
