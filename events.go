package saga

import (
	"github.com/rs/zerolog"
)

// Events receives execution lifecycle notifications. Implementations must
// not block; slow sinks stall the saga.
type Events interface {
	OnStart(saga, correlationID string)
	OnStepSuccess(saga, correlationID, stepID string, result any)
	OnStepFailed(saga, correlationID, stepID string, err error)
	// OnCompensated fires once per compensation call, with err nil on
	// success. Retrying policies fire it for every attempt.
	OnCompensated(saga, correlationID, stepID string, err error)
	OnCompleted(saga, correlationID string, success bool)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) OnStart(string, string)                      {}
func (NopEvents) OnStepSuccess(string, string, string, any)   {}
func (NopEvents) OnStepFailed(string, string, string, error)  {}
func (NopEvents) OnCompensated(string, string, string, error) {}
func (NopEvents) OnCompleted(string, string, bool)            {}

// CompositeEvents fans notifications out to several sinks. A panicking
// sink is logged and isolated so it cannot take down the execution or
// starve the remaining sinks.
type CompositeEvents struct {
	sinks []Events
	log   zerolog.Logger
}

func NewCompositeEvents(log zerolog.Logger, sinks ...Events) *CompositeEvents {
	return &CompositeEvents{sinks: sinks, log: log}
}

func (c *CompositeEvents) OnStart(saga, correlationID string) {
	for _, s := range c.sinks {
		c.deliver("start", func() { s.OnStart(saga, correlationID) })
	}
}

func (c *CompositeEvents) OnStepSuccess(saga, correlationID, stepID string, result any) {
	for _, s := range c.sinks {
		c.deliver("step_success", func() { s.OnStepSuccess(saga, correlationID, stepID, result) })
	}
}

func (c *CompositeEvents) OnStepFailed(saga, correlationID, stepID string, err error) {
	for _, s := range c.sinks {
		c.deliver("step_failed", func() { s.OnStepFailed(saga, correlationID, stepID, err) })
	}
}

func (c *CompositeEvents) OnCompensated(saga, correlationID, stepID string, err error) {
	for _, s := range c.sinks {
		c.deliver("compensated", func() { s.OnCompensated(saga, correlationID, stepID, err) })
	}
}

func (c *CompositeEvents) OnCompleted(saga, correlationID string, success bool) {
	for _, s := range c.sinks {
		c.deliver("completed", func() { s.OnCompleted(saga, correlationID, success) })
	}
}

func (c *CompositeEvents) deliver(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("event", event).Interface("panic", r).Msg("event sink panicked")
		}
	}()
	fn()
}

// LogEvents writes every notification to a zerolog logger.
type LogEvents struct {
	log zerolog.Logger
}

func NewLogEvents(log zerolog.Logger) *LogEvents {
	return &LogEvents{log: log}
}

func (l *LogEvents) OnStart(saga, correlationID string) {
	l.log.Info().Str("saga", saga).Str("correlation_id", correlationID).Msg("saga started")
}

func (l *LogEvents) OnStepSuccess(saga, correlationID, stepID string, result any) {
	l.log.Info().Str("saga", saga).Str("correlation_id", correlationID).Str("step", stepID).Msg("step completed")
}

func (l *LogEvents) OnStepFailed(saga, correlationID, stepID string, err error) {
	l.log.Error().Err(err).Str("saga", saga).Str("correlation_id", correlationID).Str("step", stepID).Msg("step failed")
}

func (l *LogEvents) OnCompensated(saga, correlationID, stepID string, err error) {
	if err != nil {
		l.log.Error().Err(err).Str("saga", saga).Str("correlation_id", correlationID).Str("step", stepID).Msg("compensation failed")
		return
	}
	l.log.Info().Str("saga", saga).Str("correlation_id", correlationID).Str("step", stepID).Msg("step compensated")
}

func (l *LogEvents) OnCompleted(saga, correlationID string, success bool) {
	l.log.Info().Str("saga", saga).Str("correlation_id", correlationID).Bool("success", success).Msg("saga completed")
}

var (
	_ Events = NopEvents{}
	_ Events = (*CompositeEvents)(nil)
	_ Events = (*LogEvents)(nil)
)
