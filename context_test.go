package saga

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaContextCopiesHeaders(t *testing.T) {
	def := buildSaga(t, "headers", StepSpec{ID: "a", Handler: okHandler(nil)})
	headers := map[string]string{"tenant": "acme"}
	sc := newSagaContext(def, "corr-1", headers, nil)

	// Mutating the caller's map after construction must not show through.
	headers["tenant"] = "rival"
	v, ok := sc.Header("tenant")
	require.True(t, ok)
	assert.Equal(t, "acme", v)

	// Nor may mutating a returned copy touch the context.
	out := sc.Headers()
	out["tenant"] = "rival"
	v, _ = sc.Header("tenant")
	assert.Equal(t, "acme", v)
}

func TestSagaContextIdempotencyKeys(t *testing.T) {
	def := buildSaga(t, "idem", StepSpec{ID: "a", Handler: okHandler(nil)})
	sc := newSagaContext(def, "", nil, nil)

	assert.False(t, sc.HasIdempotencyKey("charge:order-1"))
	assert.True(t, sc.RegisterIdempotencyKey("charge:order-1"), "first registration is new")
	assert.False(t, sc.RegisterIdempotencyKey("charge:order-1"), "a retry sees the key already taken")
	assert.True(t, sc.HasIdempotencyKey("charge:order-1"))
}

func TestSagaContextFailureCauseKeepsFirstError(t *testing.T) {
	def := buildSaga(t, "failure", StepSpec{ID: "a", Handler: okHandler(nil)})
	sc := newSagaContext(def, "", nil, nil)

	require.Nil(t, sc.FailureCause())

	first := errors.New("first")
	sc.setFailure(first)
	sc.setFailure(errors.New("second"))

	assert.Same(t, first, sc.FailureCause(), "the root cause must survive later failures")
}

func TestSagaContextTopologyIsolation(t *testing.T) {
	def := buildSaga(t, "topology",
		StepSpec{ID: "a", Handler: okHandler(nil)},
		StepSpec{ID: "b", Handler: okHandler(nil), DependsOn: []string{"a"}},
	)
	sc := newSagaContext(def, "", nil, nil)

	layers := sc.TopologyLayers()
	require.Equal(t, [][]string{{"a"}, {"b"}}, layers)
	layers[0][0] = "mutated"
	assert.Equal(t, [][]string{{"a"}, {"b"}}, sc.TopologyLayers())

	deps := sc.Dependencies("b")
	require.Equal(t, []string{"a"}, deps)
	deps[0] = "mutated"
	assert.Equal(t, []string{"a"}, sc.Dependencies("b"))
	assert.Empty(t, sc.Dependencies("a"))
}
