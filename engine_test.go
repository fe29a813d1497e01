package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, def *Definition, opts ...Option) *Engine {
	t.Helper()
	engine := New(opts...)
	require.NoError(t, engine.Register(def))
	return engine
}

func TestEngineExecuteSuccess(t *testing.T) {
	def := buildSaga(t, "booking",
		StepSpec{ID: "reserve", Handler: okHandler("seat-12A")},
		StepSpec{ID: "charge", Handler: okHandler(42.50), DependsOn: []string{"reserve"}},
		StepSpec{ID: "notify", Handler: okHandler("sent"), DependsOn: []string{"charge"}},
	)
	engine := newTestEngine(t, def)

	result, err := engine.Execute(context.Background(), "booking", map[string]string{"flight": "AA100"},
		WithHeaders(map[string]string{"tenant": "acme"}))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Success)
	assert.Nil(t, result.Error)
	assert.Nil(t, result.Report)
	assert.NotEmpty(t, result.CorrelationID, "an id is generated when none is supplied")
	assert.Equal(t, "acme", result.Headers["tenant"])
	assert.Equal(t, []string{"reserve", "charge", "notify"}, result.DoneSteps())

	assert.Equal(t, "seat-12A", result.ResultOf("reserve"))
	assert.Equal(t, 42.50, result.ResultOf("charge"))
	assert.Equal(t, "sent", result.ResultOf("notify"))
	for _, id := range []string{"reserve", "charge", "notify"} {
		out := result.Steps[id]
		assert.Equal(t, StepDone, out.Status)
		assert.Equal(t, 1, out.Attempts)
	}
	assert.False(t, result.CompletedAt.Before(result.StartedAt))
}

func TestEngineGeneratesUniqueCorrelationIDs(t *testing.T) {
	def := buildSaga(t, "one-shot", StepSpec{ID: "a", Handler: okHandler(nil)})
	engine := newTestEngine(t, def)

	first, err := engine.Execute(context.Background(), "one-shot", nil)
	require.NoError(t, err)
	second, err := engine.Execute(context.Background(), "one-shot", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestEnginePinsCorrelationID(t *testing.T) {
	def := buildSaga(t, "pinned", StepSpec{ID: "a", Handler: okHandler(nil)})
	engine := newTestEngine(t, def)

	result, err := engine.Execute(context.Background(), "pinned", nil, WithCorrelationID("order-991"))
	require.NoError(t, err)
	assert.Equal(t, "order-991", result.CorrelationID)
}

func TestEngineUnknownSagaFailsFast(t *testing.T) {
	engine := New()

	result, err := engine.Execute(context.Background(), "never-registered", nil)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestEngineStepFailureCompensatesAndReports(t *testing.T) {
	plan := newCompPlan()
	boom := errors.New("payment gateway down")
	def := buildSaga(t, "checkout",
		StepSpec{ID: "reserve", Handler: okHandler("r-1"), Compensation: plan.comp("reserve")},
		StepSpec{ID: "charge", Handler: failHandler(boom), DependsOn: []string{"reserve"}, Retries: 1},
		StepSpec{ID: "ship", Handler: okHandler(nil), DependsOn: []string{"charge"}},
	)
	engine := newTestEngine(t, def)

	result, err := engine.Execute(context.Background(), "checkout", nil)
	require.NoError(t, err, "step failures are reported through the result, not the error")
	require.NotNil(t, result)

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, ErrStepExecution)
	assert.ErrorIs(t, result.Error, boom)

	require.NotNil(t, result.Report)
	assert.Equal(t, "charge", result.Report.FailedStepID)
	assert.Equal(t, []string{"reserve"}, result.Report.CompletedSteps)
	assert.Equal(t, []string{"reserve"}, result.Report.CompensatedSteps)
	assert.Empty(t, result.Report.CompensationErrors)

	assert.Equal(t, StepFailed, result.Steps["charge"].Status)
	assert.Equal(t, 2, result.Steps["charge"].Attempts, "one retry means two attempts")
	assert.Equal(t, StepPending, result.Steps["ship"].Status, "dependents of the failure never start")
	assert.Equal(t, []string{"charge"}, result.FailedSteps())
	assert.Equal(t, []string{"reserve"}, result.CompensatedSteps())

	assert.Nil(t, result.ResultOf("reserve"), "a compensated step no longer exposes its result")
	assert.Equal(t, []string{"reserve"}, plan.order())
}

func TestEngineCompensationErrorPropagates(t *testing.T) {
	plan := newCompPlan()
	plan.failFor("reserve", alwaysFail)
	def := buildSaga(t, "stuck",
		StepSpec{ID: "reserve", Handler: okHandler(nil), Compensation: plan.comp("reserve")},
		StepSpec{ID: "charge", Handler: failHandler(errors.New("declined")), DependsOn: []string{"reserve"}},
	)
	engine := newTestEngine(t, def)

	result, err := engine.Execute(context.Background(), "stuck", nil)
	require.Error(t, err, "strict sequential re-raises compensation failures")
	require.NotNil(t, result, "the result is still assembled for inspection")

	assert.ErrorIs(t, err, ErrCompensation)
	assert.False(t, result.Success)
	require.NotNil(t, result.Report)
	require.Contains(t, result.Report.CompensationErrors, "reserve")
}

func TestEngineAbsorbingPolicyReturnsNoError(t *testing.T) {
	plan := newCompPlan()
	plan.failFor("reserve", alwaysFail)
	handler := &handlerRecorder{}
	def := buildSaga(t, "forgiving",
		StepSpec{ID: "reserve", Handler: okHandler(nil), Compensation: plan.comp("reserve")},
		StepSpec{ID: "charge", Handler: failHandler(errors.New("declined")), DependsOn: []string{"reserve"}},
	)
	engine := newTestEngine(t, def, WithErrorHandler(handler))

	result, err := engine.Execute(context.Background(), "forgiving", nil, WithPolicy(BestEffortParallel))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"reserve"}, handler.list(), "absorbed failures reach the handler instead")
}

func TestEngineEventSequence(t *testing.T) {
	events := &recordingEvents{}
	def := buildSaga(t, "observed",
		StepSpec{ID: "a", Handler: okHandler(nil)},
		StepSpec{ID: "b", Handler: okHandler(nil), DependsOn: []string{"a"}},
	)
	engine := newTestEngine(t, def, WithEvents(events))

	_, err := engine.Execute(context.Background(), "observed", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"start:observed", "step_ok:a", "step_ok:b", "completed:true"}, events.list())
}

func TestEnginePersistsSuccessfulRun(t *testing.T) {
	store := NewMemoryStore()
	def := buildSaga(t, "persisted",
		StepSpec{ID: "a", Handler: okHandler("done-a")},
		StepSpec{ID: "b", Handler: okHandler("done-b"), DependsOn: []string{"a"}},
	)
	engine := newTestEngine(t, def, WithStore(store))

	result, err := engine.Execute(context.Background(), "persisted", nil)
	require.NoError(t, err)

	rec, err := store.GetState(context.Background(), result.CorrelationID)
	require.NoError(t, err)

	assert.Equal(t, "persisted", rec.SagaName)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.True(t, rec.Successful)
	assert.False(t, rec.CompletedAt.IsZero())
	require.Len(t, rec.Steps, 2)
	for _, snap := range rec.Steps {
		assert.Equal(t, "done", snap.Status)
		assert.NotEmpty(t, snap.Result)
	}
}

func TestEnginePersistsFailedRun(t *testing.T) {
	store := NewMemoryStore()
	plan := newCompPlan()
	def := buildSaga(t, "persisted-failure",
		StepSpec{ID: "a", Handler: okHandler("done-a"), Compensation: plan.comp("a")},
		StepSpec{ID: "b", Handler: failHandler(errors.New("broken disk")), DependsOn: []string{"a"}},
	)
	engine := newTestEngine(t, def, WithStore(store))

	result, err := engine.Execute(context.Background(), "persisted-failure", nil)
	require.NoError(t, err)
	require.False(t, result.Success)

	rec, err := store.GetState(context.Background(), result.CorrelationID)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, rec.Status)
	assert.False(t, rec.Successful)

	byID := map[string]StepSnapshot{}
	for _, snap := range rec.Steps {
		byID[snap.ID] = snap
	}
	assert.Equal(t, "compensated", byID["a"].Status)
	assert.Equal(t, "failed", byID["b"].Status)
	assert.Contains(t, byID["b"].Error, "broken disk")
}

func TestEngineRollbackUndoesASuccessfulRun(t *testing.T) {
	store := NewMemoryStore()
	plan := newCompPlan()
	def := buildSaga(t, "provision",
		StepSpec{ID: "network", Handler: okHandler("net-1"), Compensation: plan.comp("network")},
		StepSpec{ID: "server", Handler: okHandler("srv-1"), DependsOn: []string{"network"}, Compensation: plan.comp("server")},
		StepSpec{ID: "dns", Handler: okHandler("dns-1"), DependsOn: []string{"server"}, Compensation: plan.comp("dns")},
	)
	engine := newTestEngine(t, def, WithStore(store))

	result, err := engine.Execute(context.Background(), "provision", nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, engine.Rollback(context.Background(), result))

	assert.Equal(t, []string{"dns", "server", "network"}, plan.order(),
		"rollback compensates in reverse completion order")

	rec, err := store.GetState(context.Background(), result.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rec.Status)
}

func TestEngineRollbackValidation(t *testing.T) {
	def := buildSaga(t, "nothing-done", StepSpec{ID: "a", Handler: okHandler(nil)})
	engine := newTestEngine(t, def)

	err := engine.Rollback(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)

	empty := &SagaResult{SagaName: "nothing-done"}
	err = engine.Rollback(context.Background(), empty)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngineRejectsDuplicateRegistration(t *testing.T) {
	def := buildSaga(t, "dup", StepSpec{ID: "a", Handler: okHandler(nil)})
	engine := New()

	require.NoError(t, engine.Register(def))
	err := engine.Register(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestEngineStepFailureWithTimeoutStillPersists(t *testing.T) {
	store := NewMemoryStore()
	def := buildSaga(t, "timed",
		StepSpec{
			ID: "slow",
			Handler: func(ctx context.Context, sc *SagaContext, args Args) (any, error) {
				time.Sleep(200 * time.Millisecond)
				return "too late", nil
			},
			Timeout: 30 * time.Millisecond,
		},
	)
	engine := newTestEngine(t, def, WithStore(store))

	result, err := engine.Execute(context.Background(), "timed", nil)
	require.NoError(t, err)

	assert.False(t, result.Success, "a timed out step fails the saga even if its work would have finished")
	assert.ErrorIs(t, result.Error, ErrStepTimeout)

	rec, err := store.GetState(context.Background(), result.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}
