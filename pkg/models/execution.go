package models

import "time"

// ExecutionPhase is the position of an execution inside its run.
type ExecutionPhase string

const (
	PhaseWaiting            ExecutionPhase = "waiting"
	PhaseAudienceGeneration ExecutionPhase = "audience_generation"
	PhaseTestSending        ExecutionPhase = "test_sending"
	PhaseCancellationWindow ExecutionPhase = "cancellation_window"
	PhaseLiveExecution      ExecutionPhase = "live_execution"
	PhaseCompleted          ExecutionPhase = "completed"
)

// nextPhase encodes the only forward transitions the state machine may take.
// Terminal outcomes (failed, cancelled, aborted) are statuses, not phases.
var nextPhase = map[ExecutionPhase]ExecutionPhase{
	PhaseWaiting:            PhaseAudienceGeneration,
	PhaseAudienceGeneration: PhaseTestSending,
	PhaseTestSending:        PhaseCancellationWindow,
	PhaseCancellationWindow: PhaseLiveExecution,
	PhaseLiveExecution:      PhaseCompleted,
}

// CanTransitionTo reports whether to is the legal successor of p.
func (p ExecutionPhase) CanTransitionTo(to ExecutionPhase) bool {
	return nextPhase[p] == to
}

// ExecutionStatus is the terminal-or-running state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// Terminal reports whether the status permits no further mutation.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted ||
		s == ExecutionStatusFailed ||
		s == ExecutionStatusCancelled ||
		s == ExecutionStatusAborted
}

// Execution is one timed run attempt of an automation. Rows are appended by
// the engine and mutated only by the state machine driving that run; once the
// status is terminal the row is immutable.
type Execution struct {
	ID           string          `json:"id"`
	AutomationID string          `json:"automation_id"`
	FireAt       time.Time       `json:"fire_at"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Phase        ExecutionPhase  `json:"phase"`
	Status       ExecutionStatus `json:"status"`
	AudienceSize int             `json:"audience_size"`
	SentCount    int             `json:"sent_count"`
	FailedCount  int             `json:"failed_count"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}

// ScheduledJobEntry is the ephemeral registry view of one pending timer.
type ScheduledJobEntry struct {
	AutomationID string    `json:"automation_id"`
	FireAt       time.Time `json:"fire_at"`
	InstanceID   string    `json:"instance_id"`
}
