package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/steadway/saga/set"
)

// CompensationPolicy selects how completed steps are rolled back after a
// saga fails.
type CompensationPolicy int

const (
	// StrictSequential compensates in reverse completion order, one step
	// at a time, and stops at the first compensation error.
	StrictSequential CompensationPolicy = iota
	// GroupedParallel walks topology layers in reverse; compensations
	// within a layer run concurrently, and a failure anywhere in a layer
	// aborts the earlier layers.
	GroupedParallel
	// RetryWithBackoff compensates in reverse completion order, retrying
	// each compensation with exponential backoff before giving up.
	RetryWithBackoff
	// CircuitBreaker compensates in reverse completion order and abandons
	// the remainder once three compensations fail in a row.
	CircuitBreaker
	// BestEffortParallel compensates every eligible step concurrently and
	// never fails the rollback; errors go to the error handler.
	BestEffortParallel
)

func (p CompensationPolicy) String() string {
	switch p {
	case StrictSequential:
		return "strict_sequential"
	case GroupedParallel:
		return "grouped_parallel"
	case RetryWithBackoff:
		return "retry_with_backoff"
	case CircuitBreaker:
		return "circuit_breaker"
	case BestEffortParallel:
		return "best_effort_parallel"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a policy name, as produced by String, back to its
// value.
func ParsePolicy(name string) (CompensationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "strict_sequential":
		return StrictSequential, nil
	case "grouped_parallel":
		return GroupedParallel, nil
	case "retry_with_backoff":
		return RetryWithBackoff, nil
	case "circuit_breaker":
		return CircuitBreaker, nil
	case "best_effort_parallel":
		return BestEffortParallel, nil
	default:
		return StrictSequential, fmt.Errorf("%w: unknown compensation policy %q", ErrValidation, name)
	}
}

// circuitBreakerThreshold is the consecutive-failure count that opens the
// circuit under CircuitBreaker.
const circuitBreakerThreshold = 3

// CompensationErrorHandler receives compensation failures the active
// policy does not re-raise, and retry exhaustion under RetryWithBackoff.
type CompensationErrorHandler interface {
	Handle(sagaName, stepID string, err error, sc *SagaContext)
}

// CompensationErrorHandlerFunc adapts a function to the handler interface.
type CompensationErrorHandlerFunc func(sagaName, stepID string, err error, sc *SagaContext)

func (f CompensationErrorHandlerFunc) Handle(sagaName, stepID string, err error, sc *SagaContext) {
	f(sagaName, stepID, err, sc)
}

// Compensator rolls back the completed steps of a failed saga according
// to a CompensationPolicy.
type Compensator struct {
	invoker StepInvoker
	events  Events
	handler CompensationErrorHandler
	log     zerolog.Logger
}

func NewCompensator(invoker StepInvoker, events Events, handler CompensationErrorHandler, log zerolog.Logger) *Compensator {
	if invoker == nil {
		invoker = NewFuncInvoker()
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Compensator{invoker: invoker, events: events, handler: handler, log: log}
}

// Compensate rolls back the steps named in completed, which must be in
// completion order. Steps without a compensating action are skipped.
// Whether an error is returned depends on the policy: CircuitBreaker and
// BestEffortParallel absorb failures, the others re-raise.
func (c *Compensator) Compensate(ctx context.Context, policy CompensationPolicy, def *Definition, sc *SagaContext, completed []string) error {
	steps := c.eligible(def, completed)
	if len(steps) == 0 {
		return nil
	}

	log := c.log.With().
		Str("saga", def.Name()).
		Str("correlation_id", sc.CorrelationID()).
		Str("policy", policy.String()).
		Logger()
	log.Info().Int("steps", len(steps)).Msg("compensating saga")

	switch policy {
	case StrictSequential:
		return c.strictSequential(ctx, def, sc, steps)
	case GroupedParallel:
		return c.groupedParallel(ctx, def, sc, steps)
	case RetryWithBackoff:
		return c.retryWithBackoff(ctx, def, sc, steps)
	case CircuitBreaker:
		return c.circuitBreaker(ctx, def, sc, steps, log)
	case BestEffortParallel:
		return c.bestEffortParallel(ctx, def, sc, steps)
	default:
		return fmt.Errorf("%w: unknown compensation policy %d", ErrValidation, policy)
	}
}

// eligible filters completed ids down to steps that define a compensation,
// preserving completion order.
func (c *Compensator) eligible(def *Definition, completed []string) []*StepDefinition {
	var steps []*StepDefinition
	for _, id := range completed {
		step, ok := def.Step(id)
		if !ok || !step.HasCompensation() {
			continue
		}
		steps = append(steps, step)
	}
	return steps
}

// compensateStep makes one compensation call, records the outcome on the
// context, and fires the compensated event. Every policy goes through
// here, so the event fires once per call regardless of policy.
func (c *Compensator) compensateStep(ctx context.Context, def *Definition, step *StepDefinition, sc *SagaContext) error {
	result, err := c.invokeCompensation(ctx, def, step, sc)
	if err != nil {
		sc.recordCompensationError(step.ID(), err)
		c.log.Error().Err(err).
			Str("saga", def.Name()).
			Str("correlation_id", sc.CorrelationID()).
			Str("step", step.ID()).
			Msg("compensation call failed")
	} else {
		sc.markCompensated(step.ID(), result)
	}
	c.events.OnCompensated(def.Name(), sc.CorrelationID(), step.ID(), err)
	return err
}

// invokeCompensation makes the call, bounded by the step's compensation
// timeout when one is set.
func (c *Compensator) invokeCompensation(ctx context.Context, def *Definition, step *StepDefinition, sc *SagaContext) (any, error) {
	timeout := step.compensationTimeout()
	if timeout <= 0 {
		return c.invoker.InvokeCompensation(ctx, step, def.Owner(), sc)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan attemptOutcome, 1)
	go func() {
		result, err := c.invoker.InvokeCompensation(callCtx, step, def.Owner(), sc)
		resultCh <- attemptOutcome{result: result, err: err}
	}()

	select {
	case out := <-resultCh:
		return out.result, out.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &TimeoutError{StepID: step.ID(), Timeout: timeout}
	}
}

func (c *Compensator) strictSequential(ctx context.Context, def *Definition, sc *SagaContext, steps []*StepDefinition) error {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := c.compensateStep(ctx, def, step, sc); err != nil {
			return &CompensationError{Saga: def.Name(), StepID: step.ID(), Cause: err}
		}
	}
	return nil
}

func (c *Compensator) groupedParallel(ctx context.Context, def *Definition, sc *SagaContext, steps []*StepDefinition) error {
	pending := &set.Set[string]{}
	for _, step := range steps {
		pending.Insert(step.ID())
	}

	layers := sc.TopologyLayers()
	for i := len(layers) - 1; i >= 0; i-- {
		var group []*StepDefinition
		for _, id := range layers[i] {
			if !pending.Contains(id) {
				continue
			}
			step, _ := def.Step(id)
			group = append(group, step)
		}
		if len(group) == 0 {
			continue
		}

		errCh := make(chan error, len(group))
		var wg sync.WaitGroup
		for _, step := range group {
			wg.Add(1)
			go func(step *StepDefinition) {
				defer wg.Done()
				if err := c.compensateStep(ctx, def, step, sc); err != nil {
					errCh <- &CompensationError{Saga: def.Name(), StepID: step.ID(), Cause: err}
				}
			}(step)
		}
		wg.Wait()
		close(errCh)

		// The whole layer was awaited; any failure in it aborts the
		// earlier layers.
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func (c *Compensator) retryWithBackoff(ctx context.Context, def *Definition, sc *SagaContext, steps []*StepDefinition) error {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		retries := step.compensationRetries()
		base := step.compensationBackoff()

		var lastErr error
		for attempt := 1; attempt <= retries; attempt++ {
			lastErr = c.compensateStep(ctx, def, step, sc)
			if lastErr == nil {
				break
			}
			if attempt == retries || ctx.Err() != nil {
				break
			}
			if !sleepCtx(ctx, backoffDelay(base, attempt, false, 0)) {
				break
			}
		}

		if lastErr != nil {
			compErr := &CompensationError{Saga: def.Name(), StepID: step.ID(), Cause: lastErr}
			if c.handler != nil {
				c.handler.Handle(def.Name(), step.ID(), compErr, sc)
			}
			return compErr
		}
	}
	return nil
}

func (c *Compensator) circuitBreaker(ctx context.Context, def *Definition, sc *SagaContext, steps []*StepDefinition, log zerolog.Logger) error {
	consecutive := 0
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		err := c.compensateStep(ctx, def, step, sc)
		if err == nil {
			consecutive = 0
			continue
		}

		if step.Critical() {
			return &CompensationError{Saga: def.Name(), StepID: step.ID(), Cause: err}
		}

		consecutive++
		if consecutive >= circuitBreakerThreshold {
			log.Error().
				Int("consecutive_failures", consecutive).
				Int("abandoned", i).
				Msg("compensation circuit open, abandoning remaining steps")
			return nil
		}
	}
	return nil
}

func (c *Compensator) bestEffortParallel(ctx context.Context, def *Definition, sc *SagaContext, steps []*StepDefinition) error {
	var wg sync.WaitGroup
	for _, step := range steps {
		wg.Add(1)
		go func(step *StepDefinition) {
			defer wg.Done()
			if err := c.compensateStep(ctx, def, step, sc); err != nil && c.handler != nil {
				c.handler.Handle(def.Name(), step.ID(), &CompensationError{Saga: def.Name(), StepID: step.ID(), Cause: err}, sc)
			}
		}(step)
	}
	wg.Wait()
	return nil
}
