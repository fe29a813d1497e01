package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists execution state as one JSON file per correlation id.
// It survives restarts without needing a database, which makes it a fit
// for CLIs and single-node deployments.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) PersistState(ctx context.Context, record *StateRecord) error {
	if record == nil || record.CorrelationID == "" {
		return fmt.Errorf("%w: state record needs a correlation id", ErrValidation)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := record.Clone()
	cp.UpdatedAt = time.Now()
	return f.write(cp)
}

func (f *FileStore) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read(correlationID)
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
	rec.UpdatedAt = now
	return f.write(rec)
}

func (f *FileStore) GetState(ctx context.Context, correlationID string) (*StateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(correlationID)
}

func (f *FileStore) GetInFlight(ctx context.Context) ([]*StateRecord, error) {
	return f.scan(func(rec *StateRecord) bool {
		return rec.Status == StatusInFlight
	})
}

func (f *FileStore) GetStale(ctx context.Context, cutoff time.Time) ([]*StateRecord, error) {
	return f.scan(func(rec *StateRecord) bool {
		return rec.Status == StatusInFlight && rec.StartedAt.Before(cutoff)
	})
}

func (f *FileStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	expired, err := f.scanLocked(func(rec *StateRecord) bool {
		return rec.Terminal() && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range expired {
		if err := os.Remove(f.filename(rec.CorrelationID)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("failed to delete state file: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (f *FileStore) IsHealthy(ctx context.Context) bool {
	info, err := os.Stat(f.dir)
	return err == nil && info.IsDir()
}

func (f *FileStore) write(rec *StateRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(f.filename(rec.CorrelationID), data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func (f *FileStore) read(correlationID string) (*StateRecord, error) {
	data, err := os.ReadFile(f.filename(correlationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var rec StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &rec, nil
}

func (f *FileStore) scan(keep func(*StateRecord) bool) ([]*StateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanLocked(keep)
}

// scanLocked reads every state file in the directory and returns the
// records keep accepts. Unreadable entries are skipped rather than
// failing the whole scan. Caller holds f.mu.
func (f *FileStore) scanLocked(keep func(*StateRecord) bool) ([]*StateRecord, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var out []*StateRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := f.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *FileStore) filename(correlationID string) string {
	return filepath.Join(f.dir, correlationID+".json")
}

var _ StateStore = (*FileStore)(nil)

