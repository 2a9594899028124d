package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushline/pushline/pkg/audience"
	"github.com/pushline/pushline/pkg/cadence"
	"github.com/pushline/pushline/pkg/execution"
	"github.com/pushline/pushline/pkg/models"
	"github.com/pushline/pushline/pkg/persistence/file"
	"github.com/pushline/pushline/pkg/testutil"
	"github.com/pushline/pushline/pkg/transport"
)

// immediateClock reports real time but elapses every timed wait at once, so
// cancellation windows and step delays do not slow the tests down.
type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Now().UTC() }

func (immediateClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now().UTC()

	return ch
}

type stubGenerator struct {
	userIDs []string

	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	calls   int
}

func (g *stubGenerator) Generate(ctx context.Context, _ *models.Automation) (*audience.Result, error) {
	g.mu.Lock()
	g.calls++
	started, release := g.started, g.release
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &audience.Result{UserIDs: g.userIDs, Size: len(g.userIDs)}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.calls
}

type stubTransport struct {
	mu    sync.Mutex
	sends int
}

func (t *stubTransport) Send(_ context.Context, _ transport.Message, userIDs []string) (*transport.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sends++

	return &transport.Result{Sent: len(userIDs)}, nil
}

func (t *stubTransport) sendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sends
}

type engineFixture struct {
	engine    *Engine
	store     *file.Persistence
	generator *stubGenerator
	transport *stubTransport
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())
	generator := &stubGenerator{userIDs: []string{"u1", "u2"}}
	stub := &stubTransport{}

	filter := cadence.NewFilter(store.CadenceRepository(), models.DefaultCadencePolicy(), logger)

	runner := execution.NewRunner(
		store.ExecutionRepository(),
		store.AutomationRepository(),
		filter,
		generator,
		transport.Registry{models.ChannelPush: stub},
		nil,
		nil,
		logger,
	).WithClock(immediateClock{})

	eng := NewEngine(store, runner, nil, 30*time.Minute, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = eng.Stop(ctx)
	})

	return &engineFixture{engine: eng, store: store, generator: generator, transport: stub}
}

func (f *engineFixture) saveAutomation(t *testing.T, automation *models.Automation) {
	t.Helper()
	require.NoError(t, f.store.AutomationRepository().SaveAutomation(context.Background(), automation))
}

func (f *engineFixture) execution(t *testing.T, id string) *models.Execution {
	t.Helper()

	row, err := f.store.ExecutionRepository().ExecutionByID(context.Background(), id)
	require.NoError(t, err)

	return row
}

func TestEngine_StartSchedulesEligibleAutomations(t *testing.T) {
	f := newEngineFixture(t)

	active := testutil.CreateTestAutomation()
	draft := testutil.CreateTestAutomation(testutil.WithStatus(models.AutomationStatusDraft))
	f.saveAutomation(t, active)
	f.saveAutomation(t, draft)

	require.NoError(t, f.engine.Start(context.Background()))

	info := f.engine.DebugInfo()
	require.Equal(t, 1, info.ScheduledJobsCount)
	assert.Equal(t, active.ID, info.ScheduledJobs[0].AutomationID)
	assert.Equal(t, f.engine.InstanceID(), info.ScheduledJobs[0].InstanceID)
	assert.True(t, info.ScheduledJobs[0].FireAt.After(time.Now()))
}

func TestEngine_RecoverySweepAbortsStaleExecutions(t *testing.T) {
	f := newEngineFixture(t)

	stale := testutil.CreateTestExecution("auto-1")
	stale.StartedAt = time.Now().UTC().Add(-2 * time.Hour)
	stale.Phase = models.PhaseLiveExecution
	require.NoError(t, f.store.ExecutionRepository().AppendExecution(context.Background(), stale))

	recent := testutil.CreateTestExecution("auto-2")
	require.NoError(t, f.store.ExecutionRepository().AppendExecution(context.Background(), recent))

	require.NoError(t, f.engine.Start(context.Background()))

	aborted := f.execution(t, stale.ID)
	assert.Equal(t, models.ExecutionStatusAborted, aborted.Status)
	assert.Equal(t, models.PhaseLiveExecution, aborted.Phase)
	assert.Contains(t, aborted.ErrorDetail, "recovery sweep")
	require.NotNil(t, aborted.FinishedAt)

	untouched := f.execution(t, recent.ID)
	assert.Equal(t, models.ExecutionStatusRunning, untouched.Status)
}

func TestEngine_FireRunsExecutionToCompletion(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	f.saveAutomation(t, automation)

	require.NoError(t, f.engine.Start(context.Background()))

	f.engine.handleFire(automation.ID, time.Now().UTC())

	var row *models.Execution

	require.Eventually(t, func() bool {
		rows, err := f.store.ExecutionRepository().ExecutionsByAutomation(context.Background(), automation.ID)
		if err != nil || len(rows) != 1 {
			return false
		}

		row = rows[0]

		return row.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.ExecutionStatusCompleted, row.Status)
	assert.Equal(t, models.PhaseCompleted, row.Phase)
	assert.Equal(t, 2, row.AudienceSize)
	assert.Equal(t, 2, row.SentCount)

	// Recurring automations get their next fire re-armed after the run.
	assert.Eventually(t, func() bool {
		return f.engine.DebugInfo().ScheduledJobsCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngine_DuplicateFireDropped(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	f.saveAutomation(t, automation)

	f.generator.started = make(chan struct{}, 2)
	f.generator.release = make(chan struct{})

	require.NoError(t, f.engine.Start(context.Background()))

	f.engine.handleFire(automation.ID, time.Now().UTC())
	<-f.generator.started

	// Second fire while the first run holds the slot.
	f.engine.handleFire(automation.ID, time.Now().UTC())

	close(f.generator.release)

	require.Eventually(t, func() bool {
		rows, err := f.store.ExecutionRepository().ExecutionsByAutomation(context.Background(), automation.ID)

		return err == nil && len(rows) == 1 && rows[0].Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.generator.callCount())
}

func TestEngine_ConcurrentFiresAppendOneExecution(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	f.saveAutomation(t, automation)

	f.generator.started = make(chan struct{}, 2)
	f.generator.release = make(chan struct{})

	require.NoError(t, f.engine.Start(context.Background()))

	// Two fires racing for the same automation: only the one that wins the
	// run slot may append a ledger row, regardless of interleaving.
	var wg sync.WaitGroup

	start := make(chan struct{})

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start
			f.engine.handleFire(automation.ID, time.Now().UTC())
		}()
	}

	close(start)
	wg.Wait()

	<-f.generator.started
	close(f.generator.release)

	require.Eventually(t, func() bool {
		rows, err := f.store.ExecutionRepository().ExecutionsByAutomation(context.Background(), automation.ID)

		return err == nil && len(rows) == 1 && rows[0].Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.generator.callCount())

	rows, err := f.store.ExecutionRepository().ExecutionsByAutomation(context.Background(), automation.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ExecutionStatusCompleted, rows[0].Status)
}

func TestEngine_FireSkipsIneligibleAutomation(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation(testutil.WithStatus(models.AutomationStatusPaused))
	f.saveAutomation(t, automation)

	require.NoError(t, f.engine.Start(context.Background()))

	f.engine.handleFire(automation.ID, time.Now().UTC())

	rows, err := f.store.ExecutionRepository().ExecutionsByAutomation(context.Background(), automation.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEngine_EmergencyStopCancelsActiveRun(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	f.saveAutomation(t, automation)

	f.generator.started = make(chan struct{}, 1)
	f.generator.release = make(chan struct{})

	require.NoError(t, f.engine.Start(context.Background()))

	f.engine.handleFire(automation.ID, time.Now().UTC())
	<-f.generator.started

	executionID, err := f.engine.RequestEmergencyStop(context.Background(), automation.ID, "oncall")
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	close(f.generator.release)

	require.Eventually(t, func() bool {
		row := f.execution(t, executionID)

		return row.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	row := f.execution(t, executionID)
	assert.Equal(t, models.ExecutionStatusCancelled, row.Status)
	assert.Equal(t, 0, f.transport.sendCount())

	stored, err := f.store.AutomationRepository().AutomationByID(context.Background(), automation.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settings.EmergencyStop)
}

func TestEngine_EmergencyStopOnIdleAutomation(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	f.saveAutomation(t, automation)

	require.NoError(t, f.engine.Start(context.Background()))
	require.Equal(t, 1, f.engine.DebugInfo().ScheduledJobsCount)

	executionID, err := f.engine.RequestEmergencyStop(context.Background(), automation.ID, "oncall")
	require.NoError(t, err)
	assert.Empty(t, executionID)

	// The pending timer is dropped along with the flag being set.
	assert.Equal(t, 0, f.engine.DebugInfo().ScheduledJobsCount)

	stored, err := f.store.AutomationRepository().AutomationByID(context.Background(), automation.ID)
	require.NoError(t, err)
	assert.True(t, stored.Settings.EmergencyStop)
}

func TestEngine_OneShotSettlesAutomationStatus(t *testing.T) {
	f := newEngineFixture(t)

	automation := testutil.CreateTestAutomation()
	automation.Type = models.AutomationTypeSinglePush
	f.saveAutomation(t, automation)

	require.NoError(t, f.engine.Start(context.Background()))

	f.engine.handleFire(automation.ID, time.Now().UTC())

	require.Eventually(t, func() bool {
		stored, err := f.store.AutomationRepository().AutomationByID(context.Background(), automation.ID)

		return err == nil && stored.Status == models.AutomationStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
