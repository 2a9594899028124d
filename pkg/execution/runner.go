// Package execution drives one automation run through its ordered phases:
// audience generation, test send, cancellation window, live send. Every
// transition is persisted to the execution ledger before the next phase
// starts, so a crash leaves the ledger at the last completed phase.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pushline/pushline/pkg/audience"
	"github.com/pushline/pushline/pkg/cadence"
	"github.com/pushline/pushline/pkg/eventbus"
	"github.com/pushline/pushline/pkg/events"
	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/otelhelper"
	"github.com/pushline/pushline/pkg/persistence"
	"github.com/pushline/pushline/pkg/transport"
)

// Runner executes one automation run at a time. Phase side effects are
// single-shot: no internal retries, failed runs wait for the automation's
// next natural fire.
type Runner struct {
	ledger      persistence.ExecutionRepository
	automations persistence.AutomationRepository
	filter      *cadence.Filter
	generator   audience.Generator
	transports  transport.Registry
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	clock       Clock
	logger      *slog.Logger
}

// NewRunner wires the runner's collaborators.
func NewRunner(
	ledger persistence.ExecutionRepository,
	automations persistence.AutomationRepository,
	filter *cadence.Filter,
	generator audience.Generator,
	transports transport.Registry,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		ledger:      ledger,
		automations: automations,
		filter:      filter,
		generator:   generator,
		transports:  transports,
		publisher:   publisher,
		tracer:      tracer,
		clock:       SystemClock(),
		logger:      logger.With("module", "execution_runner"),
	}
}

// WithClock replaces the time source, used by tests.
func (r *Runner) WithClock(clock Clock) *Runner {
	r.clock = clock

	return r
}

// Run drives the execution to a terminal state. The execution row must
// already exist in the ledger with phase waiting and status running.
func (r *Runner) Run(ctx context.Context, automation *models.Automation, execution *models.Execution, stop *Stop) error {
	logger := r.logger.With(
		"automation_id", automation.ID,
		"execution_id", execution.ID,
	)

	var span trace.Span

	if r.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "execution.run",
			attribute.String(otelhelper.AutomationIDKey, automation.ID),
			attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		)
		defer span.End()
	}

	logger.InfoContext(ctx, "Starting execution", "fire_at", execution.FireAt)

	if len(automation.PushSequence) == 0 {
		return r.fail(ctx, execution, fmt.Errorf("automation %s has no push steps", automation.ID), logger)
	}

	result, err := r.runPhases(ctx, automation, execution, stop, logger)
	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err,
				attribute.String(otelhelper.PhaseKey, string(execution.Phase)))
		}

		return r.fail(ctx, execution, err, logger)
	}

	if result == runCancelled {
		return r.cancel(ctx, execution, logger)
	}

	return r.complete(ctx, execution, logger)
}

type runOutcome int

const (
	runCompleted runOutcome = iota
	runCancelled
)

func (r *Runner) runPhases(ctx context.Context, automation *models.Automation, execution *models.Execution, stop *Stop, logger *slog.Logger) (runOutcome, error) {
	// Phase: audience generation.
	if r.stopRequested(ctx, automation.ID, stop) {
		return runCancelled, nil
	}

	if err := r.transition(ctx, execution, models.PhaseAudienceGeneration); err != nil {
		return runCompleted, err
	}

	eligible, err := r.generateAudience(ctx, automation, execution, logger)
	if err != nil {
		return runCompleted, err
	}

	// Phase: test sending.
	if r.stopRequested(ctx, automation.ID, stop) {
		return runCancelled, nil
	}

	if err := r.transition(ctx, execution, models.PhaseTestSending); err != nil {
		return runCompleted, err
	}

	if err := r.sendTestBatch(ctx, automation, logger); err != nil {
		return runCompleted, err
	}

	// Phase: cancellation window. The only interval where canCancel holds.
	if r.stopRequested(ctx, automation.ID, stop) {
		return runCancelled, nil
	}

	if err := r.transition(ctx, execution, models.PhaseCancellationWindow); err != nil {
		return runCompleted, err
	}

	cancelled, err := r.holdCancellationWindow(ctx, automation, execution, stop)
	if err != nil {
		return runCompleted, err
	}

	if cancelled {
		return runCancelled, nil
	}

	// Phase: live execution.
	if err := r.transition(ctx, execution, models.PhaseLiveExecution); err != nil {
		return runCompleted, err
	}

	return r.runLiveSends(ctx, automation, execution, eligible, stop, logger)
}

// stopRequested is the phase-entry checkpoint: it observes both the in-memory
// stop signal and the persisted emergency-stop flag, so a request made while
// another instance owned the run is still honored.
func (r *Runner) stopRequested(ctx context.Context, automationID string, stop *Stop) bool {
	if stop.Requested() {
		return true
	}

	automation, err := r.automations.AutomationByID(ctx, automationID)
	if err != nil {
		// The flag is a safeguard; a read fault must not kill the run here.
		r.logger.ErrorContext(ctx, "Failed to re-read automation at checkpoint", "automation_id", automationID, "error", err)

		return false
	}

	if automation.Settings.EmergencyStop {
		stop.Request()

		return true
	}

	return false
}

func (r *Runner) generateAudience(ctx context.Context, automation *models.Automation, execution *models.Execution, logger *slog.Logger) ([]string, error) {
	// Audience generation must fit inside the lead-time budget: crossing the
	// fire time means the schedule can no longer be honored.
	genCtx := ctx

	if execution.FireAt.After(r.clock.Now()) {
		var cancel context.CancelFunc

		genCtx, cancel = context.WithDeadline(ctx, execution.FireAt)
		defer cancel()
	}

	result, err := r.generator.Generate(genCtx, automation)
	if err != nil {
		return nil, fmt.Errorf("audience generation failed: %w", err)
	}

	if max := automation.Settings.MaxAudienceSize; max > 0 && result.Size > max {
		return nil, fmt.Errorf("audience too large: %d users exceeds limit of %d", result.Size, max)
	}

	// The cadence filter is applied to the raw candidate set before any send
	// is considered; per-step layers are re-filtered at live time.
	layer := automation.PushSequence[0].LayerID

	eligible, excluded, err := r.filter.Filter(ctx, result.UserIDs, layer)
	if err != nil && !cadence.Skipped(err) {
		return nil, fmt.Errorf("cadence filter blocked audience: %w", err)
	}

	if cadence.Skipped(err) {
		logger.WarnContext(ctx, "Cadence filter skipped, proceeding unfiltered", "error", err)
	}

	execution.AudienceSize = len(eligible)

	logger.InfoContext(ctx, "Audience generated",
		"candidates", result.Size,
		"eligible", len(eligible),
		"excluded", excluded)

	if err := r.ledger.UpdateExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to persist audience size: %w", err)
	}

	return eligible, nil
}

func (r *Runner) sendTestBatch(ctx context.Context, automation *models.Automation, logger *slog.Logger) error {
	if !automation.Settings.DryRunFirst || len(automation.Settings.TestUserIDs) == 0 {
		return nil
	}

	step := automation.PushSequence[0]

	t := r.transports.For(step.Channel)
	if t == nil {
		return fmt.Errorf("no transport configured for channel %s", step.Channel)
	}

	msg := transport.Message{Title: step.Title, Body: step.Body, TestSend: true}

	result, err := t.Send(ctx, msg, automation.Settings.TestUserIDs)
	if err != nil {
		return fmt.Errorf("test send failed: %w", err)
	}

	if result.HardFailure() {
		return fmt.Errorf("test send failed for all %d test users", result.Failed)
	}

	logger.InfoContext(ctx, "Test batch sent",
		"test_users", len(automation.Settings.TestUserIDs),
		"sent", result.Sent,
		"failed", result.Failed)

	return nil
}

// holdCancellationWindow pauses between test and live send. The hold lasts
// until the window has elapsed and the scheduled send time has arrived,
// whichever is later: lead time buys preparation room, never an early live
// send. An emergency stop arriving during the hold wins immediately.
func (r *Runner) holdCancellationWindow(ctx context.Context, automation *models.Automation, execution *models.Execution, stop *Stop) (bool, error) {
	wait := automation.Settings.CancellationWindow()

	if untilFire := execution.FireAt.Sub(r.clock.Now()); untilFire > wait {
		wait = untilFire
	}

	if wait <= 0 {
		return stop.Requested(), nil
	}

	select {
	case <-stop.Done():
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-r.clock.After(wait):
	}

	// A request that raced the window close still cancels: the stop decision
	// is checked once more before any live send.
	return r.stopRequested(ctx, automation.ID, stop), nil
}

func (r *Runner) runLiveSends(ctx context.Context, automation *models.Automation, execution *models.Execution, eligible []string, stop *Stop, logger *slog.Logger) (runOutcome, error) {
	for i, step := range automation.PushSequence {
		// Step boundaries are the safe checkpoints inside the live phase.
		if stop.Requested() {
			logger.InfoContext(ctx, "Stop observed at step boundary", "step", step.Name)

			return runCancelled, nil
		}

		if i > 0 && step.DelayMinutes > 0 {
			select {
			case <-stop.Done():
				return runCancelled, nil
			case <-ctx.Done():
				return runCompleted, ctx.Err()
			case <-r.clock.After(time.Duration(step.DelayMinutes) * time.Minute):
			}
		}

		sent, failed, err := r.sendStep(ctx, execution, step, eligible, logger)
		if err != nil {
			return runCompleted, err
		}

		execution.SentCount += sent
		execution.FailedCount += failed

		if err := r.ledger.UpdateExecution(ctx, execution); err != nil {
			return runCompleted, fmt.Errorf("failed to persist step counts: %w", err)
		}
	}

	return runCompleted, nil
}

func (r *Runner) sendStep(ctx context.Context, execution *models.Execution, step models.PushStep, candidates []string, logger *slog.Logger) (int, int, error) {
	eligible, excluded, err := r.filter.Filter(ctx, candidates, step.LayerID)
	if err != nil && !cadence.Skipped(err) {
		return 0, 0, fmt.Errorf("cadence filter blocked step %s: %w", step.Name, err)
	}

	if cadence.Skipped(err) {
		logger.WarnContext(ctx, "Cadence filter skipped for step", "step", step.Name, "error", err)
	}

	if len(eligible) == 0 {
		logger.InfoContext(ctx, "No eligible recipients for step", "step", step.Name, "excluded", excluded)

		return 0, 0, nil
	}

	t := r.transports.For(step.Channel)
	if t == nil {
		return 0, 0, fmt.Errorf("no transport configured for channel %s", step.Channel)
	}

	msg := transport.Message{Title: step.Title, Body: step.Body}

	result, err := t.Send(ctx, msg, eligible)
	if err != nil {
		return 0, 0, fmt.Errorf("live send failed for step %s: %w", step.Name, err)
	}

	if result.HardFailure() {
		return 0, result.Failed, fmt.Errorf("step %s failed for every recipient", step.Name)
	}

	// Record recipients so the next run in this layer honors the cooldown.
	// The send event id makes retried writes idempotent.
	sendEventID := execution.ID + ":" + step.ID

	delivered := eligible
	if len(result.Failures) > 0 {
		delivered = make([]string, 0, len(eligible))

		for _, userID := range eligible {
			if _, failed := result.Failures[userID]; !failed {
				delivered = append(delivered, userID)
			}
		}
	}

	if err := r.filter.Record(ctx, delivered, step.LayerID, sendEventID); err != nil {
		// Losing cadence history degrades frequency capping, not delivery.
		logger.ErrorContext(ctx, "Failed to record cadence after send", "step", step.Name, "error", err)
	}

	logger.InfoContext(ctx, "Step dispatched",
		"step", step.Name,
		"recipients", len(eligible),
		"sent", result.Sent,
		"failed", result.Failed,
		"excluded", excluded)

	return result.Sent, result.Failed, nil
}

// transition persists the phase change before the next phase starts and
// publishes the corresponding lifecycle event.
func (r *Runner) transition(ctx context.Context, execution *models.Execution, to models.ExecutionPhase) error {
	if !execution.Phase.CanTransitionTo(to) {
		return fmt.Errorf("illegal phase transition %s -> %s", execution.Phase, to)
	}

	from := execution.Phase
	execution.Phase = to

	if err := r.ledger.UpdateExecution(ctx, execution); err != nil {
		execution.Phase = from

		return fmt.Errorf("failed to persist phase %s: %w", to, err)
	}

	r.publish(ctx, execution.AutomationID, events.ExecutionPhaseChanged{
		BaseEvent:   events.NewBaseEvent(events.ExecutionPhaseChangedEvent, execution.AutomationID, execution.ID),
		ExecutionID: execution.ID,
		FromPhase:   string(from),
		ToPhase:     string(to),
	})

	return nil
}

func (r *Runner) complete(ctx context.Context, execution *models.Execution, logger *slog.Logger) error {
	if err := r.finalize(ctx, execution, models.PhaseCompleted, models.ExecutionStatusCompleted, ""); err != nil {
		return err
	}

	r.publish(ctx, execution.AutomationID, events.ExecutionCompleted{
		BaseEvent:    events.NewBaseEvent(events.ExecutionCompletedEvent, execution.AutomationID, execution.ID),
		ExecutionID:  execution.ID,
		AudienceSize: execution.AudienceSize,
		SentCount:    execution.SentCount,
		FailedCount:  execution.FailedCount,
		Duration:     r.clock.Now().Sub(execution.StartedAt),
	})

	logger.InfoContext(ctx, "Execution completed",
		"audience_size", execution.AudienceSize,
		"sent", execution.SentCount,
		"failed", execution.FailedCount)

	return nil
}

func (r *Runner) fail(ctx context.Context, execution *models.Execution, cause error, logger *slog.Logger) error {
	phase := execution.Phase

	if err := r.finalize(ctx, execution, phase, models.ExecutionStatusFailed, cause.Error()); err != nil {
		logger.ErrorContext(ctx, "Failed to finalize failed execution", "error", err)
	}

	r.publish(ctx, execution.AutomationID, events.ExecutionFailed{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFailedEvent, execution.AutomationID, execution.ID),
		ExecutionID: execution.ID,
		Phase:       string(phase),
		Error:       cause.Error(),
	})

	logger.ErrorContext(ctx, "Execution failed", "phase", phase, "error", cause)

	return cause
}

func (r *Runner) cancel(ctx context.Context, execution *models.Execution, logger *slog.Logger) error {
	phase := execution.Phase

	if err := r.finalize(ctx, execution, phase, models.ExecutionStatusCancelled, ""); err != nil {
		return err
	}

	r.publish(ctx, execution.AutomationID, events.ExecutionCancelled{
		BaseEvent:   events.NewBaseEvent(events.ExecutionCancelledEvent, execution.AutomationID, execution.ID),
		ExecutionID: execution.ID,
		Phase:       string(phase),
	})

	logger.InfoContext(ctx, "Execution cancelled", "phase", phase)

	return nil
}

func (r *Runner) finalize(ctx context.Context, execution *models.Execution, phase models.ExecutionPhase, status models.ExecutionStatus, errorDetail string) error {
	now := r.clock.Now()

	execution.Phase = phase
	execution.Status = status
	execution.FinishedAt = &now
	execution.ErrorDetail = errorDetail

	if err := r.ledger.UpdateExecution(ctx, execution); err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}

	return nil
}

func (r *Runner) publish(ctx context.Context, key string, event eventbus.Event) {
	if r.publisher == nil {
		return
	}

	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
