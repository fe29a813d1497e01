package saga

// StepStatus tracks one step through its lifecycle:
// pending -> running -> done or failed -> compensated.
// Pending is implicit: a step never launched stays absent from the
// context's status map.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepDone
	StepFailed
	StepCompensated
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepDone:
		return "done"
	case StepFailed:
		return "failed"
	case StepCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is an end state for the forward path.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepCompensated
}
