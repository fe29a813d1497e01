package saga

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverStaleMarksOnlyStaleRecords(t *testing.T) {
	store := NewMemoryStore()
	events := &recordingEvents{}
	now := time.Now()

	require.NoError(t, store.PersistState(context.Background(), stateRec("stale", StatusInFlight, now.Add(-2*time.Hour))))
	require.NoError(t, store.PersistState(context.Background(), stateRec("fresh", StatusInFlight, now)))
	done := stateRec("done", StatusCompleted, now.Add(-3*time.Hour))
	done.CompletedAt = now.Add(-3 * time.Hour)
	require.NoError(t, store.PersistState(context.Background(), done))

	recovery := NewRecoveryService(store, events, zerolog.Nop())
	recovered, err := recovery.RecoverStale(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stale, err := store.GetState(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stale.Status)
	assert.False(t, stale.Successful)

	fresh, err := store.GetState(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, fresh.Status, "recent in-flight sagas are left running")

	finished, err := store.GetState(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, finished.Status)

	assert.Equal(t, []string{"completed:false"}, events.list(),
		"recovery reports the forced failure through the event sink")
}

func TestRecoverStaleValidation(t *testing.T) {
	recovery := NewRecoveryService(nil, nil, zerolog.Nop())
	_, err := recovery.RecoverStale(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrValidation)

	recovery = NewRecoveryService(NewMemoryStore(), nil, zerolog.Nop())
	_, err = recovery.RecoverStale(context.Background(), 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecoveryCleanup(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	expired := stateRec("expired", StatusFailed, now.Add(-50*time.Hour))
	expired.CompletedAt = now.Add(-49 * time.Hour)
	recent := stateRec("recent", StatusCompleted, now.Add(-time.Hour))
	recent.CompletedAt = now.Add(-time.Hour)
	for _, rec := range []*StateRecord{expired, recent} {
		require.NoError(t, store.PersistState(context.Background(), rec))
	}

	recovery := NewRecoveryService(store, nil, zerolog.Nop())
	removed, err := recovery.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = recovery.Cleanup(context.Background(), -time.Minute)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewSweeperValidation(t *testing.T) {
	recovery := NewRecoveryService(NewMemoryStore(), nil, zerolog.Nop())

	_, err := NewSweeper(nil, "* * * * *", time.Hour, 0, zerolog.Nop())
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewSweeper(recovery, "not a cron spec", time.Hour, 0, zerolog.Nop())
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewSweeper(recovery, "*/5 * * * *", time.Hour, 24*time.Hour, zerolog.Nop())
	assert.NoError(t, err)
}

func TestSweeperSweepRecoversAndCleans(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	require.NoError(t, store.PersistState(context.Background(), stateRec("stale", StatusInFlight, now.Add(-2*time.Hour))))
	expired := stateRec("expired", StatusCompleted, now.Add(-72*time.Hour))
	expired.CompletedAt = now.Add(-72 * time.Hour)
	require.NoError(t, store.PersistState(context.Background(), expired))

	recovery := NewRecoveryService(store, nil, zerolog.Nop())
	sweeper, err := NewSweeper(recovery, "* * * * *", time.Hour, 24*time.Hour, zerolog.Nop())
	require.NoError(t, err)

	sweeper.sweep(context.Background())

	stale, err := store.GetState(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stale.Status)

	_, err = store.GetState(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	recovery := NewRecoveryService(NewMemoryStore(), nil, zerolog.Nop())
	sweeper, err := NewSweeper(recovery, "* * * * *", time.Hour, 0, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after its context was cancelled")
	}
}
