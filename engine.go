package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Engine is the entry point: it holds the registry of saga definitions
// and executes them with orchestration, compensation, persistence, and
// events wired together. Construct one with New and share it; every
// execution gets its own SagaContext.
type Engine struct {
	registry     *Registry
	orchestrator *Orchestrator
	compensator  *Compensator
	store        StateStore
	events       Events
	log          zerolog.Logger
}

type engineConfig struct {
	invoker StepInvoker
	store   StateStore
	events  Events
	handler CompensationErrorHandler
	log     zerolog.Logger
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithInvoker replaces the in-process function invoker.
func WithInvoker(invoker StepInvoker) Option {
	return func(c *engineConfig) { c.invoker = invoker }
}

// WithStore enables state persistence. Without a store the engine runs
// fully in memory and recovery is unavailable.
func WithStore(store StateStore) Option {
	return func(c *engineConfig) { c.store = store }
}

// WithEvents attaches an event sink. Combine several with
// NewCompositeEvents.
func WithEvents(events Events) Option {
	return func(c *engineConfig) { c.events = events }
}

// WithErrorHandler attaches the compensation error handler consulted by
// absorbing policies and on retry exhaustion.
func WithErrorHandler(handler CompensationErrorHandler) Option {
	return func(c *engineConfig) { c.handler = handler }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *engineConfig) { c.log = log }
}

// New constructs an Engine.
func New(opts ...Option) *Engine {
	cfg := engineConfig{
		invoker: NewFuncInvoker(),
		events:  NopEvents{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.events == nil {
		cfg.events = NopEvents{}
	}

	return &Engine{
		registry:     NewRegistry(),
		orchestrator: NewOrchestrator(cfg.invoker, cfg.events, cfg.log),
		compensator:  NewCompensator(cfg.invoker, cfg.events, cfg.handler, cfg.log),
		store:        cfg.store,
		events:       cfg.events,
		log:          cfg.log,
	}
}

// Register adds a saga definition to the engine's registry.
func (e *Engine) Register(def *Definition) error {
	return e.registry.Register(def)
}

type executeConfig struct {
	headers       map[string]string
	correlationID string
	policy        CompensationPolicy
}

// ExecuteOption configures a single execution.
type ExecuteOption func(*executeConfig)

// WithHeaders attaches immutable headers to the execution.
func WithHeaders(headers map[string]string) ExecuteOption {
	return func(c *executeConfig) { c.headers = headers }
}

// WithCorrelationID pins the correlation id instead of generating one.
func WithCorrelationID(id string) ExecuteOption {
	return func(c *executeConfig) { c.correlationID = id }
}

// WithPolicy selects the compensation policy for this execution. The
// default is StrictSequential.
func WithPolicy(policy CompensationPolicy) ExecuteOption {
	return func(c *executeConfig) { c.policy = policy }
}

// Execute runs the named saga to completion and returns its result. Step
// failures do not surface as an error: they compensate the completed
// steps and come back as result.Success == false. The returned error is
// reserved for setup failures (unknown saga) and compensation errors the
// chosen policy re-raises.
func (e *Engine) Execute(ctx context.Context, sagaName string, input any, opts ...ExecuteOption) (*SagaResult, error) {
	def, err := e.registry.Get(sagaName)
	if err != nil {
		return nil, err
	}

	cfg := executeConfig{policy: StrictSequential}
	for _, opt := range opts {
		opt(&cfg)
	}

	sc := newSagaContext(def, cfg.correlationID, cfg.headers, input)
	log := e.log.With().
		Str("saga", def.Name()).
		Str("correlation_id", sc.CorrelationID()).
		Logger()
	log.Info().Str("policy", cfg.policy.String()).Msg("executing saga")

	e.events.OnStart(def.Name(), sc.CorrelationID())
	e.persist(ctx, snapshotRecord(sc, StatusInFlight, false), log)

	completed, execErr := e.orchestrator.Execute(ctx, def, sc, input)

	var compErr error
	if execErr != nil {
		compErr = e.compensator.Compensate(ctx, cfg.policy, def, sc, completed)
	}

	result := e.assembleResult(def, sc, completed, execErr)

	e.persist(ctx, snapshotRecord(sc, StatusInFlight, false), log)
	e.markCompleted(ctx, sc.CorrelationID(), execErr == nil, log)
	e.events.OnCompleted(def.Name(), sc.CorrelationID(), execErr == nil)

	if compErr != nil {
		log.Error().Err(compErr).Msg("saga compensation failed")
		return result, compErr
	}
	if execErr != nil {
		log.Warn().Err(execErr).Int("completed_steps", len(completed)).Msg("saga failed and was compensated")
	} else {
		log.Info().Int("completed_steps", len(completed)).Msg("saga completed")
	}
	return result, nil
}

// Rollback compensates the completed steps of a previously successful
// execution, for example to undo a provisioning run. The result must come
// from this engine's Execute; the saga must still be registered.
func (e *Engine) Rollback(ctx context.Context, result *SagaResult, opts ...ExecuteOption) error {
	if result == nil {
		return fmt.Errorf("%w: nil result", ErrValidation)
	}
	done := result.DoneSteps()
	if len(done) == 0 {
		return fmt.Errorf("%w: result has no completed steps to roll back", ErrValidation)
	}
	def, err := e.registry.Get(result.SagaName)
	if err != nil {
		return err
	}

	cfg := executeConfig{
		policy:        StrictSequential,
		correlationID: result.CorrelationID,
		headers:       result.Headers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sc := newSagaContext(def, cfg.correlationID, cfg.headers, nil)
	for _, id := range done {
		out, ok := result.Steps[id]
		if !ok {
			continue
		}
		sc.seedDone(id, out.Result, out.Attempts, out.Latency)
	}

	log := e.log.With().
		Str("saga", def.Name()).
		Str("correlation_id", sc.CorrelationID()).
		Logger()
	log.Info().Str("policy", cfg.policy.String()).Int("steps", len(done)).Msg("rolling back saga")

	compErr := e.compensator.Compensate(ctx, cfg.policy, def, sc, done)

	status := StatusRolledBack
	if compErr != nil {
		status = StatusFailed
	}
	rec := snapshotRecord(sc, status, false)
	rec.CompletedAt = time.Now()
	e.persist(ctx, rec, log)

	return compErr
}

// assembleResult synthesizes a StepOutcome for every defined step, not
// just those reached, so callers can inspect the whole saga uniformly.
func (e *Engine) assembleResult(def *Definition, sc *SagaContext, completed []string, execErr error) *SagaResult {
	steps := make(map[string]StepOutcome, len(def.StepIDs()))
	for _, id := range def.StepIDs() {
		status := sc.Status(id)
		out := StepOutcome{
			StepID:      id,
			Status:      status,
			Attempts:    sc.Attempts(id),
			Latency:     sc.Latency(id),
			Compensated: status == StepCompensated,
		}
		if result, ok := sc.Result(id); ok {
			out.Result = result
		}
		if err, ok := sc.StepError(id); ok {
			out.Error = err
		}
		if started, ok := sc.StartTime(id); ok {
			out.StartedAt = started
		}
		if result, ok := sc.CompensationResult(id); ok {
			out.CompensationResult = result
		}
		if err, ok := sc.CompensationError(id); ok {
			out.CompensationError = err
		}
		steps[id] = out
	}

	result := &SagaResult{
		SagaName:      def.Name(),
		CorrelationID: sc.CorrelationID(),
		StartedAt:     sc.StartedAt(),
		CompletedAt:   time.Now(),
		Success:       execErr == nil,
		Error:         execErr,
		Headers:       sc.Headers(),
		Steps:         steps,
		doneOrder:     append([]string(nil), completed...),
	}
	if execErr != nil {
		result.Report = buildFailureReport(def, sc, completed, execErr)
	}
	return result
}

func buildFailureReport(def *Definition, sc *SagaContext, completed []string, execErr error) *FailureReport {
	report := &FailureReport{
		SagaName:       def.Name(),
		CorrelationID:  sc.CorrelationID(),
		Error:          execErr,
		CompletedSteps: append([]string(nil), completed...),
	}

	var stepErr *StepExecutionError
	if errors.As(execErr, &stepErr) {
		report.FailedStepID = stepErr.StepID
	}

	for _, id := range def.StepIDs() {
		if sc.Status(id) == StepCompensated {
			report.CompensatedSteps = append(report.CompensatedSteps, id)
		}
		if err, ok := sc.CompensationError(id); ok {
			if report.CompensationErrors == nil {
				report.CompensationErrors = make(map[string]error)
			}
			report.CompensationErrors[id] = err
		}
	}
	return report
}

// snapshotRecord captures the context's current step state as a persisted
// record. Steps never started are absent, matching their implicit pending
// status.
func snapshotRecord(sc *SagaContext, status string, successful bool) *StateRecord {
	rec := &StateRecord{
		CorrelationID: sc.CorrelationID(),
		SagaName:      sc.SagaName(),
		Status:        status,
		Successful:    successful,
		StartedAt:     sc.StartedAt(),
	}

	sc.statuses.Range(func(id string, st StepStatus) bool {
		snap := StepSnapshot{
			ID:        id,
			Status:    st.String(),
			Attempts:  sc.Attempts(id),
			LatencyMS: sc.Latency(id).Milliseconds(),
		}
		if result, ok := sc.Result(id); ok {
			if data, err := json.Marshal(result); err == nil {
				snap.Result = data
			}
		}
		if err, ok := sc.StepError(id); ok {
			snap.Error = err.Error()
		}
		if err, ok := sc.CompensationError(id); ok {
			snap.CompensationError = err.Error()
		}
		rec.Steps = append(rec.Steps, snap)
		return true
	})
	sort.Slice(rec.Steps, func(i, j int) bool { return rec.Steps[i].ID < rec.Steps[j].ID })
	return rec
}

func (e *Engine) persist(ctx context.Context, rec *StateRecord, log zerolog.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.PersistState(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("failed to persist saga state")
	}
}

func (e *Engine) markCompleted(ctx context.Context, correlationID string, successful bool, log zerolog.Logger) {
	if e.store == nil {
		return
	}
	if err := e.store.MarkCompleted(ctx, correlationID, successful); err != nil {
		log.Warn().Err(err).Msg("failed to mark saga state completed")
	}
}
