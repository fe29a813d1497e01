package saga

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// SagaContext carries the runtime state of one saga execution: step
// statuses, results, attempt counts, shared variables, and the failure
// cause once a step has failed. All step-keyed state lives in concurrent
// maps because steps within a layer run in parallel.
type SagaContext struct {
	correlationID string
	sagaName      string
	input         any
	headers       map[string]string

	variables   *xsync.MapOf[string, any]
	results     *xsync.MapOf[string, any]
	statuses    *xsync.MapOf[string, StepStatus]
	attempts    *xsync.MapOf[string, int]
	latencies   *xsync.MapOf[string, time.Duration]
	startTimes  *xsync.MapOf[string, time.Time]
	stepErrors  *xsync.MapOf[string, error]
	compErrors  *xsync.MapOf[string, error]
	compResults *xsync.MapOf[string, any]
	idempotency *xsync.MapOf[string, struct{}]

	topologyLayers [][]string
	dependencies   map[string][]string
	startedAt      time.Time

	failureMu sync.Mutex
	failure   error
}

func newSagaContext(def *Definition, correlationID string, headers map[string]string, input any) *SagaContext {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &SagaContext{
		correlationID:  correlationID,
		sagaName:       def.Name(),
		input:          input,
		headers:        h,
		variables:      xsync.NewMapOf[string, any](),
		results:        xsync.NewMapOf[string, any](),
		statuses:       xsync.NewMapOf[string, StepStatus](),
		attempts:       xsync.NewMapOf[string, int](),
		latencies:      xsync.NewMapOf[string, time.Duration](),
		startTimes:     xsync.NewMapOf[string, time.Time](),
		stepErrors:     xsync.NewMapOf[string, error](),
		compErrors:     xsync.NewMapOf[string, error](),
		compResults:    xsync.NewMapOf[string, any](),
		idempotency:    xsync.NewMapOf[string, struct{}](),
		topologyLayers: def.Layers(),
		dependencies:   def.dependencyMap(),
		startedAt:      time.Now(),
	}
}

func (sc *SagaContext) CorrelationID() string { return sc.correlationID }

func (sc *SagaContext) SagaName() string { return sc.sagaName }

// Input returns the payload the saga was started with.
func (sc *SagaContext) Input() any { return sc.input }

func (sc *SagaContext) Header(key string) (string, bool) {
	v, ok := sc.headers[key]
	return v, ok
}

func (sc *SagaContext) Headers() map[string]string {
	h := make(map[string]string, len(sc.headers))
	for k, v := range sc.headers {
		h[k] = v
	}
	return h
}

// SetVariable stores a value shared across steps of this execution.
func (sc *SagaContext) SetVariable(name string, value any) {
	sc.variables.Store(name, value)
}

func (sc *SagaContext) Variable(name string) (any, bool) {
	return sc.variables.Load(name)
}

// Result returns the forward result of a step that has completed.
func (sc *SagaContext) Result(stepID string) (any, bool) {
	return sc.results.Load(stepID)
}

// Status returns the current status of a step. Steps never launched
// report StepPending.
func (sc *SagaContext) Status(stepID string) StepStatus {
	st, ok := sc.statuses.Load(stepID)
	if !ok {
		return StepPending
	}
	return st
}

// Attempts returns how many forward attempts the step has made.
func (sc *SagaContext) Attempts(stepID string) int {
	n, _ := sc.attempts.Load(stepID)
	return n
}

// Latency returns the total wall time the step spent across attempts.
func (sc *SagaContext) Latency(stepID string) time.Duration {
	d, _ := sc.latencies.Load(stepID)
	return d
}

func (sc *SagaContext) StartTime(stepID string) (time.Time, bool) {
	return sc.startTimes.Load(stepID)
}

func (sc *SagaContext) StepError(stepID string) (error, bool) {
	return sc.stepErrors.Load(stepID)
}

func (sc *SagaContext) CompensationResult(stepID string) (any, bool) {
	return sc.compResults.Load(stepID)
}

func (sc *SagaContext) CompensationError(stepID string) (error, bool) {
	return sc.compErrors.Load(stepID)
}

// RegisterIdempotencyKey records a key and reports whether it was new.
// Handlers use it to guard against duplicate side effects across retries.
func (sc *SagaContext) RegisterIdempotencyKey(key string) bool {
	_, loaded := sc.idempotency.LoadOrStore(key, struct{}{})
	return !loaded
}

func (sc *SagaContext) HasIdempotencyKey(key string) bool {
	_, ok := sc.idempotency.Load(key)
	return ok
}

// TopologyLayers returns the dependency levels the execution runs in.
func (sc *SagaContext) TopologyLayers() [][]string {
	layers := make([][]string, len(sc.topologyLayers))
	for i, layer := range sc.topologyLayers {
		layers[i] = append([]string(nil), layer...)
	}
	return layers
}

// Dependencies returns the declared dependencies of one step.
func (sc *SagaContext) Dependencies(stepID string) []string {
	return append([]string(nil), sc.dependencies[stepID]...)
}

func (sc *SagaContext) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(sc.dependencies))
	for id, d := range sc.dependencies {
		deps[id] = append([]string(nil), d...)
	}
	return deps
}

func (sc *SagaContext) StartedAt() time.Time { return sc.startedAt }

// FailureCause returns the error of the step that failed the saga, or nil
// while the saga is still healthy.
func (sc *SagaContext) FailureCause() error {
	sc.failureMu.Lock()
	defer sc.failureMu.Unlock()
	return sc.failure
}

func (sc *SagaContext) beginStep(stepID string) {
	sc.statuses.Store(stepID, StepRunning)
	sc.startTimes.Store(stepID, time.Now())
}

func (sc *SagaContext) recordAttempts(stepID string, n int) {
	sc.attempts.Store(stepID, n)
}

func (sc *SagaContext) completeStep(stepID string, result any, latency time.Duration) {
	sc.results.Store(stepID, result)
	sc.statuses.Store(stepID, StepDone)
	sc.latencies.Store(stepID, latency)
}

func (sc *SagaContext) failStep(stepID string, err error, latency time.Duration) {
	sc.stepErrors.Store(stepID, err)
	sc.statuses.Store(stepID, StepFailed)
	sc.latencies.Store(stepID, latency)
}

func (sc *SagaContext) markCompensated(stepID string, result any) {
	sc.statuses.Store(stepID, StepCompensated)
	if result != nil {
		sc.compResults.Store(stepID, result)
	}
}

func (sc *SagaContext) recordCompensationError(stepID string, err error) {
	sc.compErrors.Store(stepID, err)
}

// setFailure records the first step error that failed the saga; later
// calls are ignored so the root cause survives.
func (sc *SagaContext) setFailure(err error) {
	sc.failureMu.Lock()
	defer sc.failureMu.Unlock()
	if sc.failure == nil {
		sc.failure = err
	}
}

// seedDone restores a step to done state, used when rebuilding context
// from a persisted record before rolling back.
func (sc *SagaContext) seedDone(stepID string, result any, attempts int, latency time.Duration) {
	sc.results.Store(stepID, result)
	sc.statuses.Store(stepID, StepDone)
	sc.attempts.Store(stepID, attempts)
	sc.latencies.Store(stepID, latency)
}

// ResultAs returns the result of a completed step converted to T. Values
// that arrive as raw JSON, for example after state was reloaded from a
// store, are unmarshalled into T.
func ResultAs[T any](sc *SagaContext, stepID string) (T, bool) {
	var zero T
	v, ok := sc.results.Load(stepID)
	if !ok {
		return zero, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	if raw, ok := v.(json.RawMessage); ok {
		var typed T
		if err := json.Unmarshal(raw, &typed); err == nil {
			return typed, true
		}
	}
	return zero, false
}
