// Package models defines the core domain models for push and email campaign automation.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// AutomationType classifies how an automation is expected to fire.
type AutomationType string

const (
	AutomationTypeSinglePush AutomationType = "single_push" // One-off send at a fixed time
	AutomationTypeSequence   AutomationType = "sequence"    // Ordered multi-step send
	AutomationTypeRecurring  AutomationType = "recurring"   // Cron-driven, fires every cycle
	AutomationTypeTriggered  AutomationType = "triggered"   // Fired by an external event
)

// AutomationStatus represents the lifecycle state of an automation.
type AutomationStatus string

const (
	AutomationStatusDraft     AutomationStatus = "draft"
	AutomationStatusActive    AutomationStatus = "active"
	AutomationStatusInactive  AutomationStatus = "inactive"
	AutomationStatusScheduled AutomationStatus = "scheduled"
	AutomationStatusRunning   AutomationStatus = "running"
	AutomationStatusPaused    AutomationStatus = "paused"
	AutomationStatusCompleted AutomationStatus = "completed"
	AutomationStatusFailed    AutomationStatus = "failed"
	AutomationStatusCancelled AutomationStatus = "cancelled"
)

// Schedulable reports whether an automation in this status may hold a registry timer.
func (s AutomationStatus) Schedulable() bool {
	return s == AutomationStatusActive || s == AutomationStatusScheduled
}

// Channel identifies the delivery transport for a sequence step.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// Schedule describes when an automation fires. Frequency is a standard
// 5-field cron expression evaluated in the automation's timezone.
type Schedule struct {
	Timezone        string `json:"timezone"          validate:"required"`
	Frequency       string `json:"frequency"         validate:"required"`
	ExecutionTime   string `json:"execution_time,omitempty"`
	LeadTimeMinutes int    `json:"lead_time_minutes" validate:"gte=0"`
}

// LeadTime returns the audience-preparation window, clamped non-negative.
func (s Schedule) LeadTime() time.Duration {
	if s.LeadTimeMinutes < 0 {
		return 0
	}

	return time.Duration(s.LeadTimeMinutes) * time.Minute
}

// NextFireTime computes the next fire instant after the reference time,
// evaluated in the schedule's timezone.
func (s Schedule) NextFireTime(after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	cronSchedule, err := parser.Parse(s.Frequency)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid frequency %q: %w", s.Frequency, err)
	}

	return cronSchedule.Next(after.In(loc)), nil
}

// Validate checks the schedule fields, including the cron expression.
func (s Schedule) Validate() error {
	if s.Timezone == "" || s.Frequency == "" {
		return ErrInvalidSchedule
	}

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(s.Frequency); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return nil
}

// PushStep is one message in an automation's sequence. LayerID classifies the
// notification category for cadence purposes.
type PushStep struct {
	ID           string  `json:"id"            validate:"required"`
	Name         string  `json:"name"          validate:"required"`
	Channel      Channel `json:"channel"       validate:"required,oneof=push email"`
	Title        string  `json:"title"`
	Body         string  `json:"body"          validate:"required"`
	LayerID      LayerID `json:"layer_id"      validate:"min=1,max=5"`
	DelayMinutes int     `json:"delay_minutes" validate:"gte=0"`
}

// AudienceCriteria describes how the candidate audience is computed: either a
// declarative filter resolved against the user store, or a custom generation
// script invoked as a subprocess.
type AudienceCriteria struct {
	Filter     map[string]any `json:"filter,omitempty"`
	Script     string         `json:"script,omitempty"`
	ScriptArgs []string       `json:"script_args,omitempty"`
}

// AutomationSettings carries per-automation safeguards.
type AutomationSettings struct {
	TestUserIDs               []string `json:"test_user_ids"`
	MaxAudienceSize           int      `json:"max_audience_size"           validate:"gte=0"`
	EmergencyStop             bool     `json:"emergency_stop"`
	CancellationWindowMinutes int      `json:"cancellation_window_minutes" validate:"gte=0"`
	DryRunFirst               bool     `json:"dry_run_first"`
}

// CancellationWindow returns the test-to-live hold, clamped non-negative.
func (s AutomationSettings) CancellationWindow() time.Duration {
	if s.CancellationWindowMinutes < 0 {
		return 0
	}

	return time.Duration(s.CancellationWindowMinutes) * time.Minute
}

// Automation is a persisted, schedulable campaign definition. Status is
// mutated only through defined transitions, never directly by execution phases.
type Automation struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"     validate:"required,min=3"`
	Type         AutomationType     `json:"type"     validate:"required,oneof=single_push sequence recurring triggered"`
	Status       AutomationStatus   `json:"status"   validate:"required,oneof=draft active inactive scheduled running paused completed failed cancelled"`
	Schedule     Schedule           `json:"schedule"`
	PushSequence []PushStep         `json:"push_sequence" validate:"min=1,dive"`
	Audience     AudienceCriteria   `json:"audience_criteria"`
	Settings     AutomationSettings `json:"settings"`
	Owner        string             `json:"owner"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

var (
	// ErrInvalidSchedule is returned when schedule validation fails.
	ErrInvalidSchedule = errors.New("invalid schedule configuration")

	// ErrInvalidAutomation is returned when automation validation fails.
	ErrInvalidAutomation = errors.New("invalid automation configuration")
)
