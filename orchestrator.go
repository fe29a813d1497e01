package saga

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Orchestrator drives the forward path of a saga: it walks the topology
// layers in order, runs the steps of each layer concurrently, and applies
// per-step retry, backoff, and timeout settings. The first step failure
// cancels the remaining steps of its layer and aborts the saga.
type Orchestrator struct {
	invoker StepInvoker
	events  Events
	log     zerolog.Logger
}

func NewOrchestrator(invoker StepInvoker, events Events, log zerolog.Logger) *Orchestrator {
	if invoker == nil {
		invoker = NewFuncInvoker()
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Orchestrator{invoker: invoker, events: events, log: log}
}

type stepResult struct {
	stepID  string
	err     error
	skipped bool
}

// Execute runs the saga forward and returns the ids of steps that
// completed, in completion order. On failure the returned error is the
// cause recorded on the context; completed steps are returned either way
// so the caller can compensate them.
func (o *Orchestrator) Execute(ctx context.Context, def *Definition, sc *SagaContext, input any) ([]string, error) {
	log := o.log.With().Str("saga", def.Name()).Str("correlation_id", sc.CorrelationID()).Logger()

	var mu sync.Mutex
	var completed []string

	for i, layer := range sc.TopologyLayers() {
		if err := ctx.Err(); err != nil {
			sc.setFailure(err)
			return completed, err
		}

		layerCtx, cancel := context.WithCancel(ctx)

		var sem chan struct{}
		if n := def.LayerConcurrency(); n > 0 {
			sem = make(chan struct{}, n)
		}

		results := make(chan stepResult, len(layer))
		var wg sync.WaitGroup

		for _, stepID := range layer {
			step, ok := def.Step(stepID)
			if !ok {
				cancel()
				return completed, newValidationError(def.Name(), "layer references unknown step %q", stepID)
			}

			wg.Add(1)
			go func(step *StepDefinition) {
				defer wg.Done()

				if sem != nil {
					select {
					case sem <- struct{}{}:
						defer func() { <-sem }()
					case <-layerCtx.Done():
						results <- stepResult{stepID: step.ID(), skipped: true}
						return
					}
				}
				if layerCtx.Err() != nil {
					results <- stepResult{stepID: step.ID(), skipped: true}
					return
				}

				err := o.runStep(layerCtx, def, step, sc, input)
				if err == nil {
					mu.Lock()
					completed = append(completed, step.ID())
					mu.Unlock()
				}
				results <- stepResult{stepID: step.ID(), err: err}
			}(step)
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		var layerErr error
		for r := range results {
			if r.skipped {
				log.Debug().Str("step", r.stepID).Int("layer", i).Msg("step skipped, layer aborted")
				continue
			}
			if r.err != nil && layerErr == nil {
				layerErr = r.err
				cancel()
			}
		}
		cancel()

		if layerErr != nil {
			sc.setFailure(layerErr)
			log.Error().Err(layerErr).Int("layer", i).Msg("layer failed, aborting saga")
			return completed, layerErr
		}
	}

	return completed, nil
}

// runStep drives one step through its attempts. It owns all status
// bookkeeping for the step on the saga context.
func (o *Orchestrator) runStep(ctx context.Context, def *Definition, step *StepDefinition, sc *SagaContext, input any) error {
	log := o.log.With().
		Str("saga", def.Name()).
		Str("correlation_id", sc.CorrelationID()).
		Str("step", step.ID()).
		Logger()

	sc.beginStep(step.ID())
	start := time.Now()

	maxAttempts := step.Retries() + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sc.recordAttempts(step.ID(), attempt)

		result, err := o.attemptStep(ctx, def, step, sc, input)
		if err == nil {
			sc.completeStep(step.ID(), result, time.Since(start))
			o.events.OnStepSuccess(def.Name(), sc.CorrelationID(), step.ID(), result)
			log.Debug().Int("attempt", attempt).Msg("step completed")
			return nil
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("step attempt failed")

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		if !sleepCtx(ctx, backoffDelay(step.Backoff(), attempt, step.JitterEnabled(), step.JitterFactor())) {
			break
		}
	}

	execErr := &StepExecutionError{
		Saga:     def.Name(),
		StepID:   step.ID(),
		Attempts: sc.Attempts(step.ID()),
		Cause:    lastErr,
	}
	sc.failStep(step.ID(), execErr, time.Since(start))
	o.events.OnStepFailed(def.Name(), sc.CorrelationID(), step.ID(), execErr)
	return execErr
}

type attemptOutcome struct {
	result any
	err    error
}

// attemptStep makes a single invocation, bounded by the step timeout when
// one is set. A handler that outlives its timeout keeps running in its
// goroutine; its eventual result is dropped.
func (o *Orchestrator) attemptStep(ctx context.Context, def *Definition, step *StepDefinition, sc *SagaContext, input any) (any, error) {
	timeout := step.Timeout()
	if timeout <= 0 {
		return o.invoker.InvokeStep(ctx, step, def.Owner(), sc, input)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan attemptOutcome, 1)
	go func() {
		result, err := o.invoker.InvokeStep(attemptCtx, step, def.Owner(), sc, input)
		resultCh <- attemptOutcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &TimeoutError{StepID: step.ID(), Timeout: timeout}
	}
}

// backoffDelay computes the delay before the attempt after attempt n:
// base doubled per completed attempt, optionally jittered uniformly
// within delay*(1±factor).
func backoffDelay(base time.Duration, attempt int, jitter bool, factor float64) time.Duration {
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if jitter && factor > 0 {
		d = time.Duration(float64(d)*(1-factor) + rand.Float64()*2*factor*float64(d))
	}
	return d
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
