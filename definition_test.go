package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSaga builds a definition from specs, failing the test on error.
func buildSaga(t *testing.T, name string, specs ...StepSpec) *Definition {
	t.Helper()
	b := NewBuilder(name)
	for _, spec := range specs {
		b.AddStep(spec)
	}
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func okHandler(result any) StepFunc {
	return func(ctx context.Context, sc *SagaContext, args Args) (any, error) {
		return result, nil
	}
}

func failHandler(err error) StepFunc {
	return func(ctx context.Context, sc *SagaContext, args Args) (any, error) {
		return nil, err
	}
}

func TestBuilderLinearLayers(t *testing.T) {
	// Linear DAG: a -> b -> c
	def := buildSaga(t, "linear",
		StepSpec{ID: "a", Handler: okHandler("a")},
		StepSpec{ID: "b", Handler: okHandler("b"), DependsOn: []string{"a"}},
		StepSpec{ID: "c", Handler: okHandler("c"), DependsOn: []string{"b"}},
	)

	assert.Equal(t, "linear", def.Name())
	assert.Equal(t, []string{"a", "b", "c"}, def.StepIDs())
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, def.Layers(), "each step should sit in its own layer")

	step, ok := def.Step("b")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, step.DependsOn())
	assert.False(t, step.HasCompensation())
}

func TestBuilderDiamondLayers(t *testing.T) {
	// Diamond DAG: a -> [b, c] -> d
	def := buildSaga(t, "diamond",
		StepSpec{ID: "a", Handler: okHandler(nil)},
		StepSpec{ID: "b", Handler: okHandler(nil), DependsOn: []string{"a"}},
		StepSpec{ID: "c", Handler: okHandler(nil), DependsOn: []string{"a"}},
		StepSpec{ID: "d", Handler: okHandler(nil), DependsOn: []string{"b", "c"}},
	)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, def.Layers(),
		"b and c share a layer because both depend only on a")
}

func TestBuilderRejectsEmptyName(t *testing.T) {
	_, err := NewBuilder("").AddStep(StepSpec{ID: "a", Handler: okHandler(nil)}).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "name")
}

func TestBuilderRejectsNoSteps(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "no steps")
}

func TestBuilderRejectsDuplicateStep(t *testing.T) {
	_, err := NewBuilder("dup").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil)}).
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil)}).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `duplicate step id "a"`)
}

func TestBuilderRejectsMissingHandler(t *testing.T) {
	_, err := NewBuilder("nohandler").AddStep(StepSpec{ID: "a"}).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "no handler")
}

func TestBuilderRejectsUnknownDependency(t *testing.T) {
	_, err := NewBuilder("unknown-dep").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil), DependsOn: []string{"ghost"}}).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), `unknown step "ghost"`)
}

func TestBuilderRejectsSelfDependency(t *testing.T) {
	_, err := NewBuilder("self-dep").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil), DependsOn: []string{"a"}}).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "depends on itself")
}

func TestBuilderRejectsCycle(t *testing.T) {
	// a -> b -> c -> a
	_, err := NewBuilder("cycle").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil), DependsOn: []string{"c"}}).
		AddStep(StepSpec{ID: "b", Handler: okHandler(nil), DependsOn: []string{"a"}}).
		AddStep(StepSpec{ID: "c", Handler: okHandler(nil), DependsOn: []string{"b"}}).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuilderRejectsBadJitterFactor(t *testing.T) {
	for _, factor := range []float64{-0.1, 1.0, 1.5} {
		_, err := NewBuilder("jitter").
			AddStep(StepSpec{ID: "a", Handler: okHandler(nil), Jitter: true, JitterFactor: factor}).
			Build()
		require.Error(t, err, "factor %v should be rejected", factor)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestBuilderRejectsNegativeSettings(t *testing.T) {
	_, err := NewBuilder("neg").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil), Retries: -1}).
		Build()
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewBuilder("neg").
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil), Backoff: -time.Second}).
		Build()
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewBuilder("neg").LayerConcurrency(-1).
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil)}).
		Build()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBuilderValidationErrorCarriesSagaName(t *testing.T) {
	_, err := NewBuilder("orders").AddStep(StepSpec{ID: "a"}).Build()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "orders", ve.Saga)
}

func TestDefinitionAccessorsReturnCopies(t *testing.T) {
	def := buildSaga(t, "copies",
		StepSpec{ID: "a", Handler: okHandler(nil)},
		StepSpec{ID: "b", Handler: okHandler(nil), DependsOn: []string{"a"}},
	)

	ids := def.StepIDs()
	ids[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, def.StepIDs(), "StepIDs must not expose internal state")

	layers := def.Layers()
	layers[0][0] = "mutated"
	assert.Equal(t, [][]string{{"a"}, {"b"}}, def.Layers(), "Layers must not expose internal state")

	step, _ := def.Step("b")
	deps := step.DependsOn()
	deps[0] = "mutated"
	assert.Equal(t, []string{"a"}, step.DependsOn(), "DependsOn must not expose internal state")
}

func TestStepCompensationDefaults(t *testing.T) {
	retries := 5
	backoff := 250 * time.Millisecond
	timeout := 2 * time.Second

	def := buildSaga(t, "defaults",
		StepSpec{ID: "plain", Handler: okHandler(nil)},
		StepSpec{
			ID:                  "tuned",
			Handler:             okHandler(nil),
			CompensationRetries: &retries,
			CompensationBackoff: &backoff,
			CompensationTimeout: &timeout,
		},
	)

	plain, _ := def.Step("plain")
	assert.Equal(t, DefaultCompensationRetries, plain.compensationRetries())
	assert.Equal(t, DefaultCompensationBackoff, plain.compensationBackoff())
	assert.Equal(t, time.Duration(0), plain.compensationTimeout())

	tuned, _ := def.Step("tuned")
	assert.Equal(t, 5, tuned.compensationRetries())
	assert.Equal(t, 250*time.Millisecond, tuned.compensationBackoff())
	assert.Equal(t, 2*time.Second, tuned.compensationTimeout())
}

func TestBuilderOwnerAndConcurrency(t *testing.T) {
	type handlerHost struct{ name string }
	owner := &handlerHost{name: "orders"}

	def, err := NewBuilder("owned").
		Owner(owner).
		LayerConcurrency(3).
		AddStep(StepSpec{ID: "a", Handler: okHandler(nil)}).
		Build()
	require.NoError(t, err)

	assert.Same(t, owner, def.Owner())
	assert.Equal(t, 3, def.LayerConcurrency())
}
