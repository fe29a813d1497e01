package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists execution state in Redis: the record itself as a
// JSON string per correlation id, plus two sorted sets indexing in-flight
// records by start time and terminal records by completion time, so stale
// scans and cleanup never walk the whole keyspace.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. An empty prefix selects
// "saga". The caller owns the client and its lifecycle.
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrValidation)
	}
	if prefix == "" {
		prefix = "saga"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) stateKey(correlationID string) string {
	return r.prefix + ":state:" + correlationID
}

func (r *RedisStore) inflightKey() string { return r.prefix + ":inflight" }

func (r *RedisStore) terminalKey() string { return r.prefix + ":terminal" }

func (r *RedisStore) PersistState(ctx context.Context, record *StateRecord) error {
	if record == nil || record.CorrelationID == "" {
		return fmt.Errorf("%w: state record needs a correlation id", ErrValidation)
	}

	rec := record.Clone()
	rec.UpdatedAt = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.stateKey(rec.CorrelationID), data, 0)
	if rec.Terminal() {
		completedAt := rec.CompletedAt
		if completedAt.IsZero() {
			completedAt = rec.UpdatedAt
		}
		pipe.ZRem(ctx, r.inflightKey(), rec.CorrelationID)
		pipe.ZAdd(ctx, r.terminalKey(), redis.Z{Score: float64(completedAt.Unix()), Member: rec.CorrelationID})
	} else {
		pipe.ZAdd(ctx, r.inflightKey(), redis.Z{Score: float64(rec.StartedAt.Unix()), Member: rec.CorrelationID})
		pipe.ZRem(ctx, r.terminalKey(), rec.CorrelationID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	return nil
}

func (r *RedisStore) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	rec, err := r.GetState(ctx, correlationID)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = StatusFailed
	if successful {
		rec.Status = StatusCompleted
	}
	rec.Successful = successful
	rec.CompletedAt = now
	return r.PersistState(ctx, rec)
}

func (r *RedisStore) GetState(ctx context.Context, correlationID string) (*StateRecord, error) {
	data, err := r.client.Get(ctx, r.stateKey(correlationID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	var rec StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) GetInFlight(ctx context.Context) ([]*StateRecord, error) {
	ids, err := r.client.ZRange(ctx, r.inflightKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight states: %w", err)
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStore) GetStale(ctx context.Context, cutoff time.Time) ([]*StateRecord, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale states: %w", err)
	}
	return r.fetch(ctx, ids)
}

func (r *RedisStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.terminalKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired states: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.stateKey(id))
		pipe.ZRem(ctx, r.terminalKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to clean up states: %w", err)
	}
	return len(ids), nil
}

func (r *RedisStore) IsHealthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// fetch loads the records for ids, skipping entries whose state key has
// expired or been deleted since the index was read.
func (r *RedisStore) fetch(ctx context.Context, ids []string) ([]*StateRecord, error) {
	var out []*StateRecord
	for _, id := range ids {
		rec, err := r.GetState(ctx, id)
		if errors.Is(err, ErrStateNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ StateStore = (*RedisStore)(nil)
