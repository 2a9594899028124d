// Package engine orchestrates scheduled automation execution: it owns the job
// registry, fires due automations into the state machine, and recovers the
// ledger after an instance restart.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pushline/pushline/pkg/eventbus"
	"github.com/pushline/pushline/pkg/events"
	"github.com/pushline/pushline/pkg/execution"
	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence"
	"github.com/pushline/pushline/pkg/registry"
)

// DefaultRecoveryGrace is how stale a non-terminal ledger row must be before
// the recovery sweep declares its owner dead and aborts it.
const DefaultRecoveryGrace = 30 * time.Minute

// activeRun reserves an automation's run slot. executionID stays empty until
// the ledger row exists; a stop request arriving in that window still lands on
// the stop signal and cancels the run at its first checkpoint.
type activeRun struct {
	executionID string
	stop        *execution.Stop
}

// Engine drives the automation lifecycle for one scheduler instance. At most
// one run per automation is in flight at a time; a fire arriving while a run
// is active is dropped, not queued.
type Engine struct {
	persistence   persistence.Persistence
	runner        *execution.Runner
	publisher     eventbus.EventPublisher
	registry      *registry.Registry
	clock         execution.Clock
	logger        *slog.Logger
	recoveryGrace time.Duration

	mu      sync.Mutex
	running map[string]*activeRun
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEngine creates an engine with a fresh registry identity.
func NewEngine(
	store persistence.Persistence,
	runner *execution.Runner,
	publisher eventbus.EventPublisher,
	recoveryGrace time.Duration,
	logger *slog.Logger,
) *Engine {
	if recoveryGrace <= 0 {
		recoveryGrace = DefaultRecoveryGrace
	}

	engine := &Engine{
		persistence:   store,
		runner:        runner,
		publisher:     publisher,
		clock:         execution.SystemClock(),
		logger:        logger.With("module", "engine"),
		recoveryGrace: recoveryGrace,
		running:       make(map[string]*activeRun),
	}

	engine.registry = registry.NewRegistry(engine.handleFire, logger)

	return engine
}

// WithClock replaces the time source, used by tests.
func (e *Engine) WithClock(clock execution.Clock) *Engine {
	e.clock = clock

	return e
}

// InstanceID returns the registry identity of this scheduler process.
func (e *Engine) InstanceID() string {
	return e.registry.InstanceID()
}

// DebugInfo returns the scheduler audit snapshot.
func (e *Engine) DebugInfo() registry.DebugInfo {
	return e.registry.DebugInfo()
}

// Start recovers the ledger and schedules every automation eligible for a
// timer. It returns once scheduling is done; runs execute on background
// goroutines until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := e.recoverStaleExecutions(ctx); err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	automations, err := e.persistence.AutomationRepository().Automations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load automations: %w", err)
	}

	scheduled := 0

	for _, automation := range automations {
		if !automation.Status.Schedulable() || automation.Type == models.AutomationTypeTriggered {
			continue
		}

		if err := e.scheduleNext(automation); err != nil {
			e.logger.ErrorContext(ctx, "Failed to schedule automation",
				"automation_id", automation.ID, "error", err)

			continue
		}

		scheduled++
	}

	e.logger.InfoContext(ctx, "Engine started",
		"instance_id", e.registry.InstanceID(),
		"automations", len(automations),
		"scheduled", scheduled)

	return nil
}

// recoverStaleExecutions aborts ledger rows left non-terminal by a dead
// instance. Rows younger than the grace period may still be owned by a live
// run elsewhere and are left alone.
func (e *Engine) recoverStaleExecutions(ctx context.Context) error {
	rows, err := e.persistence.ExecutionRepository().NonTerminalExecutions(ctx)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	cutoff := now.Add(-e.recoveryGrace)

	for _, row := range rows {
		if row.StartedAt.After(cutoff) {
			continue
		}

		row.Status = models.ExecutionStatusAborted
		row.FinishedAt = &now
		row.ErrorDetail = "aborted by recovery sweep: owning instance presumed dead"

		if err := e.persistence.ExecutionRepository().UpdateExecution(ctx, row); err != nil {
			e.logger.ErrorContext(ctx, "Failed to abort stale execution",
				"execution_id", row.ID, "error", err)

			continue
		}

		e.logger.WarnContext(ctx, "Aborted stale execution",
			"execution_id", row.ID,
			"automation_id", row.AutomationID,
			"phase", row.Phase,
			"started_at", row.StartedAt)
	}

	return nil
}

// ScheduleAutomation (re)schedules the automation's next fire, replacing any
// pending timer. Callers use it after activating or editing an automation.
func (e *Engine) ScheduleAutomation(ctx context.Context, automationID string) error {
	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return err
	}

	if !automation.Status.Schedulable() {
		e.registry.Cancel(automationID)

		return fmt.Errorf("automation %s is not schedulable in status %s", automationID, automation.Status)
	}

	return e.scheduleNext(automation)
}

// UnscheduleAutomation drops any pending timer for the automation.
func (e *Engine) UnscheduleAutomation(automationID string) {
	e.registry.Cancel(automationID)
}

func (e *Engine) scheduleNext(automation *models.Automation) error {
	fireAt, err := automation.Schedule.NextFireTime(e.clock.Now())
	if err != nil {
		return fmt.Errorf("cannot compute next fire time: %w", err)
	}

	e.registry.Schedule(automation.ID, fireAt, automation.Schedule.LeadTime())

	return nil
}

// handleFire runs on the registry timer goroutine when an automation comes due.
// The run slot is reserved before any persistence call: two near-simultaneous
// fires for the same automation serialize on the busy check, so only one can
// append a ledger row.
func (e *Engine) handleFire(automationID string, fireAt time.Time) {
	ctx := e.ctx

	stop := execution.NewStop()
	run := &activeRun{stop: stop}

	e.mu.Lock()

	if _, busy := e.running[automationID]; busy {
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "Fire dropped, previous run still active",
			"automation_id", automationID, "fire_at", fireAt)

		return
	}

	e.running[automationID] = run
	e.mu.Unlock()

	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		e.releaseSlot(automationID)
		e.logger.ErrorContext(ctx, "Fired automation not loadable, dropping timer",
			"automation_id", automationID, "error", err)
		e.registry.Cancel(automationID)

		return
	}

	if !automation.Status.Schedulable() || automation.Settings.EmergencyStop {
		e.releaseSlot(automationID)
		e.logger.InfoContext(ctx, "Fired automation no longer eligible, dropping timer",
			"automation_id", automationID,
			"status", automation.Status,
			"emergency_stop", automation.Settings.EmergencyStop)
		e.registry.Cancel(automationID)

		return
	}

	execRow := &models.Execution{
		ID:           uuid.Must(uuid.NewV7()).String(),
		AutomationID: automation.ID,
		FireAt:       fireAt,
		StartedAt:    e.clock.Now(),
		Phase:        models.PhaseWaiting,
		Status:       models.ExecutionStatusRunning,
	}

	if err := e.persistence.ExecutionRepository().AppendExecution(ctx, execRow); err != nil {
		e.releaseSlot(automationID)
		e.logger.ErrorContext(ctx, "Failed to append execution row",
			"automation_id", automation.ID, "error", err)

		return
	}

	e.mu.Lock()
	run.executionID = execRow.ID
	e.mu.Unlock()

	e.publish(ctx, events.ExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.ExecutionStartedEvent, automation.ID, execRow.ID),
		ExecutionID: execRow.ID,
		FireAt:      fireAt,
	})

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		// Run drives the row to a terminal state; its error is already
		// recorded in the ledger and published.
		_ = e.runner.Run(ctx, automation, execRow, stop)

		e.finishRun(ctx, automation, execRow)
	}()
}

func (e *Engine) releaseSlot(automationID string) {
	e.mu.Lock()
	delete(e.running, automationID)
	e.mu.Unlock()
}

// finishRun releases the automation's run slot and either re-arms the timer
// for recurring automations or settles the automation's own status.
func (e *Engine) finishRun(ctx context.Context, automation *models.Automation, execRow *models.Execution) {
	e.releaseSlot(automation.ID)

	e.registry.Cancel(automation.ID)

	if automation.Type == models.AutomationTypeRecurring {
		// Failed runs are not retried early; the next natural fire is the retry.
		current, err := e.persistence.AutomationRepository().AutomationByID(ctx, automation.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Cannot reschedule, automation not loadable",
				"automation_id", automation.ID, "error", err)

			return
		}

		if !current.Status.Schedulable() || current.Settings.EmergencyStop {
			return
		}

		if err := e.scheduleNext(current); err != nil {
			e.logger.ErrorContext(ctx, "Failed to reschedule automation",
				"automation_id", automation.ID, "error", err)
		}

		return
	}

	status := automationStatusFor(execRow.Status)
	if status == "" {
		return
	}

	if err := e.persistence.AutomationRepository().UpdateAutomationStatus(ctx, automation.ID, status); err != nil {
		e.logger.ErrorContext(ctx, "Failed to settle automation status",
			"automation_id", automation.ID, "status", status, "error", err)
	}
}

// automationStatusFor maps a one-shot run's terminal status onto the
// automation's own lifecycle.
func automationStatusFor(status models.ExecutionStatus) models.AutomationStatus {
	switch status {
	case models.ExecutionStatusCompleted:
		return models.AutomationStatusCompleted
	case models.ExecutionStatusFailed:
		return models.AutomationStatusFailed
	case models.ExecutionStatusCancelled:
		return models.AutomationStatusCancelled
	default:
		return ""
	}
}

// RequestEmergencyStop persists the stop flag and signals the active run, if
// any. The returned execution id is empty when nothing was running. The
// persisted flag also covers runs owned by other instances, which observe it
// at their next checkpoint.
func (e *Engine) RequestEmergencyStop(ctx context.Context, automationID, requestedBy string) (string, error) {
	automation, err := e.persistence.AutomationRepository().AutomationByID(ctx, automationID)
	if err != nil {
		return "", err
	}

	automation.Settings.EmergencyStop = true

	if err := e.persistence.AutomationRepository().SaveAutomation(ctx, automation); err != nil {
		return "", fmt.Errorf("failed to persist emergency stop: %w", err)
	}

	e.registry.Cancel(automationID)

	e.mu.Lock()

	var executionID string

	if run, ok := e.running[automationID]; ok {
		executionID = run.executionID

		run.stop.Request()
	}

	e.mu.Unlock()

	e.publish(ctx, events.EmergencyStopRequested{
		BaseEvent:   events.NewBaseEvent(events.EmergencyStopRequestedEvent, automationID, uuid.New().String()),
		ExecutionID: executionID,
		RequestedBy: requestedBy,
	})

	e.logger.WarnContext(ctx, "Emergency stop requested",
		"automation_id", automationID,
		"execution_id", executionID,
		"requested_by", requestedBy)

	return executionID, nil
}

// SignalStop drops the automation's timer and signals its active run without
// persisting or publishing anything. Used when the stop decision was made in
// another process and arrived over the event bus, already persisted.
func (e *Engine) SignalStop(automationID string) string {
	e.registry.Cancel(automationID)

	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.running[automationID]
	if !ok {
		return ""
	}

	run.stop.Request()

	return run.executionID
}

// Stop cancels all timers and waits for in-flight runs until ctx expires,
// then cancels them.
func (e *Engine) Stop(ctx context.Context) error {
	e.registry.Stop()

	if e.cancel == nil {
		return nil
	}

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()

		return nil
	case <-ctx.Done():
		e.cancel()

		return fmt.Errorf("shutdown deadline reached with runs in flight: %w", ctx.Err())
	}
}

func (e *Engine) publish(ctx context.Context, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	var key string

	switch typed := event.(type) {
	case events.ExecutionStarted:
		key = typed.AutomationID
	case events.EmergencyStopRequested:
		key = typed.AutomationID
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
