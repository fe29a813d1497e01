package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Execution status values as persisted by a StateStore.
const (
	StatusInFlight   = "in_flight"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// StepSnapshot is the persisted view of one step at snapshot time.
type StepSnapshot struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Attempts          int             `json:"attempts"`
	LatencyMS         int64           `json:"latency_ms"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	CompensationError string          `json:"compensation_error,omitempty"`
}

// StateRecord is the persisted view of one saga execution. Engines write
// it at the start of an execution and again at the end; the recovery
// service reads stale records back.
type StateRecord struct {
	CorrelationID string         `json:"correlation_id"`
	SagaName      string         `json:"saga_name"`
	Status        string         `json:"status"`
	Successful    bool           `json:"successful"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Steps         []StepSnapshot `json:"steps,omitempty"`
}

// Clone returns a deep copy, including step result bytes.
func (r *StateRecord) Clone() *StateRecord {
	cp := *r
	if r.Steps != nil {
		cp.Steps = make([]StepSnapshot, len(r.Steps))
		for i, s := range r.Steps {
			sc := s
			if s.Result != nil {
				sc.Result = append(json.RawMessage(nil), s.Result...)
			}
			cp.Steps[i] = sc
		}
	}
	return &cp
}

// Terminal reports whether the record is in a final status.
func (r *StateRecord) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// StateStore persists execution state so crashed or abandoned sagas can be
// found and finalized later.
type StateStore interface {
	// PersistState writes or replaces the record for its correlation id.
	PersistState(ctx context.Context, record *StateRecord) error

	// MarkCompleted flips the record to a terminal status: completed when
	// successful, failed otherwise. Unknown ids fail with
	// ErrStateNotFound.
	MarkCompleted(ctx context.Context, correlationID string, successful bool) error

	// GetState returns the record for a correlation id, or
	// ErrStateNotFound.
	GetState(ctx context.Context, correlationID string) (*StateRecord, error)

	// GetInFlight returns all records still in flight.
	GetInFlight(ctx context.Context) ([]*StateRecord, error)

	// GetStale returns in-flight records started before cutoff.
	GetStale(ctx context.Context, cutoff time.Time) ([]*StateRecord, error)

	// Cleanup deletes terminal records completed before cutoff and
	// returns how many were removed.
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)

	// IsHealthy reports whether the store can serve requests.
	IsHealthy(ctx context.Context) bool
}

// MemoryStore is a non-durable StateStore, ordered by correlation id.
// It is the reference adapter and the default for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records *btree.Map[string, *StateRecord]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: btree.NewMap[string, *StateRecord](8)}
}

func (m *MemoryStore) PersistState(ctx context.Context, record *StateRecord) error {
	if record == nil || record.CorrelationID == "" {
		return fmt.Errorf("%w: state record needs a correlation id", ErrValidation)
	}
	cp := record.Clone()
	cp.UpdatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records.Set(cp.CorrelationID, cp)
	return nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records.Get(correlationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
	}
	now := time.Now()
	rec.Status = StatusFailed
	if successful {
		rec.Status = StatusCompleted
	}
	rec.Successful = successful
	rec.CompletedAt = now
	rec.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetState(ctx context.Context, correlationID string) (*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records.Get(correlationID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) GetInFlight(ctx context.Context) ([]*StateRecord, error) {
	return m.scan(func(rec *StateRecord) bool {
		return rec.Status == StatusInFlight
	})
}

func (m *MemoryStore) GetStale(ctx context.Context, cutoff time.Time) ([]*StateRecord, error) {
	return m.scan(func(rec *StateRecord) bool {
		return rec.Status == StatusInFlight && rec.StartedAt.Before(cutoff)
	})
}

func (m *MemoryStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	m.records.Scan(func(id string, rec *StateRecord) bool {
		if rec.Terminal() && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		m.records.Delete(id)
	}
	return len(expired), nil
}

func (m *MemoryStore) IsHealthy(ctx context.Context) bool { return true }

func (m *MemoryStore) scan(keep func(*StateRecord) bool) ([]*StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*StateRecord
	m.records.Scan(func(_ string, rec *StateRecord) bool {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
		return true
	})
	return out, nil
}

var _ StateStore = (*MemoryStore)(nil)
