package saga

import (
	"sort"
	"time"
)

// StepOutcome is the per-step slice of a finished execution.
type StepOutcome struct {
	StepID    string
	Status    StepStatus
	Attempts  int
	Latency   time.Duration
	Result    any
	Error     error
	StartedAt time.Time

	Compensated        bool
	CompensationResult any
	CompensationError  error
}

// SagaResult is the full outcome of one execution: overall success, every
// step's outcome, and a failure report when the saga did not complete.
type SagaResult struct {
	SagaName      string
	CorrelationID string
	StartedAt     time.Time
	CompletedAt   time.Time
	Success       bool
	Error         error
	Headers       map[string]string
	Steps         map[string]StepOutcome
	Report        *FailureReport

	doneOrder []string
}

// ResultOf returns the forward result of a step, but only while that
// result still stands: steps that failed, never ran, or were compensated
// report nil.
func (r *SagaResult) ResultOf(stepID string) any {
	out, ok := r.Steps[stepID]
	if !ok || out.Status != StepDone {
		return nil
	}
	return out.Result
}

// FailedSteps returns the ids of steps that ended failed, sorted.
func (r *SagaResult) FailedSteps() []string {
	return r.stepsWithStatus(StepFailed)
}

// CompensatedSteps returns the ids of steps whose compensation ran
// successfully, sorted.
func (r *SagaResult) CompensatedSteps() []string {
	return r.stepsWithStatus(StepCompensated)
}

func (r *SagaResult) stepsWithStatus(status StepStatus) []string {
	var ids []string
	for id, out := range r.Steps {
		if out.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DoneSteps returns the ids of steps that completed forward work, in
// completion order. Rollback walks this list.
func (r *SagaResult) DoneSteps() []string {
	return append([]string(nil), r.doneOrder...)
}

// FailureReport summarizes a failed execution: which step broke the saga,
// what had already completed, and how compensation went.
type FailureReport struct {
	SagaName         string
	CorrelationID    string
	FailedStepID     string
	Error            error
	CompletedSteps   []string
	CompensatedSteps []string

	// CompensationErrors maps step id to the error its compensation hit,
	// for steps whose compensation did not succeed.
	CompensationErrors map[string]error
}
