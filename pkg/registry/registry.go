// Package registry keeps the single pending timer per automation and exposes
// the audit surface used to detect duplicate-scheduler deployments.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushline/pushline/pkg/models"
)

// FireFunc is invoked on the timer's goroutine when an automation comes due.
type FireFunc func(automationID string, fireAt time.Time)

// DebugInfo is the read-only audit snapshot. Repeated reads returning
// different InstanceID values mean more than one scheduler process is alive,
// a deployment fault the registry can only surface, not fix.
type DebugInfo struct {
	InstanceID         string                     `json:"instanceId"`
	ScheduledJobsCount int                        `json:"scheduledJobsCount"`
	ScheduledJobs      []models.ScheduledJobEntry `json:"scheduledJobs"`
}

type job struct {
	automationID string
	fireAt       time.Time
	timer        *time.Timer
	fired        bool
}

// Registry is the scheduled job registry. It is constructed once by the
// composition root and handed down; the instance identity is generated at
// construction and never changes for the life of the process.
type Registry struct {
	instanceID string
	fire       FireFunc
	logger     *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

// NewRegistry creates a registry with a fresh instance identity.
func NewRegistry(fire FireFunc, logger *slog.Logger) *Registry {
	instanceID := uuid.New().String()

	return &Registry{
		instanceID: instanceID,
		fire:       fire,
		logger:     logger.With("module", "job_registry", "instance_id", instanceID),
		jobs:       make(map[string]*job),
	}
}

// InstanceID returns the identity generated at construction.
func (r *Registry) InstanceID() string {
	return r.instanceID
}

// Schedule registers the pending timer for the automation, replacing any
// existing one. Replace-not-append is the rule that prevents duplicate
// firings for one automation. The timer fires lead ahead of fireAt so
// pre-send work can finish before the send time; the audit entry keeps the
// send time itself.
func (r *Registry) Schedule(automationID string, fireAt time.Time, lead time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if existing, ok := r.jobs[automationID]; ok {
		if existing.timer != nil {
			existing.timer.Stop()
		}

		r.logger.Warn("Replacing existing scheduled job",
			"automation_id", automationID,
			"previous_fire_at", existing.fireAt,
			"fire_at", fireAt)
	}

	entry := &job{automationID: automationID, fireAt: fireAt}

	delay := time.Until(fireAt.Add(-lead))
	if delay < 0 {
		delay = 0
	}

	entry.timer = time.AfterFunc(delay, func() {
		r.onFire(automationID, fireAt)
	})

	r.jobs[automationID] = entry

	r.logger.Info("Scheduled automation", "automation_id", automationID, "fire_at", fireAt)
}

func (r *Registry) onFire(automationID string, fireAt time.Time) {
	r.mu.Lock()

	entry, ok := r.jobs[automationID]
	if !ok || entry.fired || !entry.fireAt.Equal(fireAt) {
		// Replaced or cancelled between timer expiry and lock acquisition.
		r.mu.Unlock()

		return
	}

	// The entry stays until the engine clears it at the run's terminal
	// state, so a running automation still shows up in audits.
	entry.fired = true
	fire := r.fire
	r.mu.Unlock()

	if fire != nil {
		fire(automationID, fireAt)
	}
}

// Cancel removes the automation's timer, idempotent when absent.
func (r *Registry) Cancel(automationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.jobs[automationID]
	if !ok {
		return
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}

	delete(r.jobs, automationID)

	r.logger.Info("Cancelled scheduled job", "automation_id", automationID)
}

// ListActive returns a snapshot of all entries, ordered by fire time.
func (r *Registry) ListActive() []models.ScheduledJobEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]models.ScheduledJobEntry, 0, len(r.jobs))

	for _, entry := range r.jobs {
		entries = append(entries, models.ScheduledJobEntry{
			AutomationID: entry.automationID,
			FireAt:       entry.fireAt,
			InstanceID:   r.instanceID,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FireAt.Before(entries[j].FireAt)
	})

	return entries
}

// DebugInfo returns the audit snapshot for operators.
func (r *Registry) DebugInfo() DebugInfo {
	entries := r.ListActive()

	return DebugInfo{
		InstanceID:         r.instanceID,
		ScheduledJobsCount: len(entries),
		ScheduledJobs:      entries,
	}
}

// Stop cancels all timers. The registry accepts no new jobs afterwards.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true

	for id, entry := range r.jobs {
		if entry.timer != nil {
			entry.timer.Stop()
		}

		delete(r.jobs, id)
	}

	r.logger.Info("Job registry stopped")
}
