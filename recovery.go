package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RecoveryService finalizes executions that crashed or were abandoned:
// in-flight records past a staleness threshold are marked failed, and
// terminal records past a retention window are removed.
type RecoveryService struct {
	store  StateStore
	events Events
	log    zerolog.Logger
}

func NewRecoveryService(store StateStore, events Events, log zerolog.Logger) *RecoveryService {
	if events == nil {
		events = NopEvents{}
	}
	return &RecoveryService{store: store, events: events, log: log}
}

// RecoverStale marks in-flight executions started more than threshold ago
// as failed and returns how many were recovered. Recent in-flight and
// terminal records are untouched.
func (r *RecoveryService) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("%w: recovery needs a state store", ErrValidation)
	}
	if threshold <= 0 {
		return 0, fmt.Errorf("%w: stale threshold must be positive", ErrValidation)
	}

	cutoff := time.Now().Add(-threshold)
	stale, err := r.store.GetStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale states: %w", err)
	}

	recovered := 0
	for _, rec := range stale {
		if err := r.store.MarkCompleted(ctx, rec.CorrelationID, false); err != nil {
			r.log.Warn().Err(err).
				Str("saga", rec.SagaName).
				Str("correlation_id", rec.CorrelationID).
				Msg("failed to mark stale saga failed")
			continue
		}
		r.events.OnCompleted(rec.SagaName, rec.CorrelationID, false)
		r.log.Info().
			Str("saga", rec.SagaName).
			Str("correlation_id", rec.CorrelationID).
			Time("started_at", rec.StartedAt).
			Msg("recovered stale saga")
		recovered++
	}
	return recovered, nil
}

// Cleanup deletes terminal records completed more than olderThan ago and
// returns how many were removed.
func (r *RecoveryService) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if r.store == nil {
		return 0, fmt.Errorf("%w: cleanup needs a state store", ErrValidation)
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention window must be positive", ErrValidation)
	}

	removed, err := r.store.Cleanup(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up states: %w", err)
	}
	return removed, nil
}

// Sweeper runs the recovery service on a cron schedule. Retention zero
// disables cleanup sweeps.
type Sweeper struct {
	recovery  *RecoveryService
	cron      *cron.Cron
	schedule  cron.Schedule
	spec      string
	threshold time.Duration
	retention time.Duration
	log       zerolog.Logger
}

// NewSweeper parses a five-field cron spec and prepares a sweeper that
// recovers sagas staler than threshold and deletes terminal state older
// than retention.
func NewSweeper(recovery *RecoveryService, spec string, threshold, retention time.Duration, log zerolog.Logger) (*Sweeper, error) {
	if recovery == nil {
		return nil, fmt.Errorf("%w: sweeper needs a recovery service", ErrValidation)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sweep schedule %q: %v", ErrValidation, spec, err)
	}
	return &Sweeper{
		recovery:  recovery,
		cron:      cron.New(cron.WithParser(parser)),
		schedule:  schedule,
		spec:      spec,
		threshold: threshold,
		retention: retention,
		log:       log,
	}, nil
}

// Run blocks sweeping on schedule until ctx is done, then waits for any
// running sweep to finish.
func (s *Sweeper) Run(ctx context.Context) {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.sweep(ctx) }))
	s.cron.Start()
	s.log.Info().
		Str("schedule", s.spec).
		Dur("stale_threshold", s.threshold).
		Dur("retention", s.retention).
		Msg("recovery sweeper started")

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Info().Msg("recovery sweeper stopped")
}

func (s *Sweeper) sweep(ctx context.Context) {
	recovered, err := s.recovery.RecoverStale(ctx, s.threshold)
	if err != nil {
		s.log.Error().Err(err).Msg("stale recovery sweep failed")
	} else if recovered > 0 {
		s.log.Info().Int("recovered", recovered).Msg("recovered stale sagas")
	}

	if s.retention <= 0 {
		return
	}
	removed, err := s.recovery.Cleanup(ctx, s.retention)
	if err != nil {
		s.log.Error().Err(err).Msg("state cleanup sweep failed")
	} else if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("cleaned up expired saga states")
	}
}
