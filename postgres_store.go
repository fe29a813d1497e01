package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// validTableName guards against SQL injection via the configured table
// name, which is interpolated into queries.
var validTableName = regexp.MustCompile("^[a-zA-Z_][a-zA-Z0-9_]*$")

// DefaultTableName is the table PostgresStore uses unless configured
// otherwise.
const DefaultTableName = "saga_states"

// PostgresStore persists execution state in a PostgreSQL table, one row
// per correlation id with step snapshots as JSONB. The caller owns the
// *sql.DB and its lifecycle.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore creates a store on db. An empty table selects
// DefaultTableName.
func NewPostgresStore(db *sql.DB, table string) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrValidation)
	}
	if table == "" {
		table = DefaultTableName
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrValidation, table)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// EnsureSchema creates the state table and its indexes if they do not
// exist yet.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			correlation_id TEXT PRIMARY KEY,
			saga_name      TEXT NOT NULL,
			status         TEXT NOT NULL,
			successful     BOOLEAN NOT NULL DEFAULT FALSE,
			started_at     TIMESTAMPTZ NOT NULL,
			completed_at   TIMESTAMPTZ,
			updated_at     TIMESTAMPTZ NOT NULL,
			steps          JSONB NOT NULL DEFAULT '[]'
		)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status)`, p.table, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_started_at ON %s (started_at)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) PersistState(ctx context.Context, record *StateRecord) error {
	if record == nil || record.CorrelationID == "" {
		return fmt.Errorf("%w: state record needs a correlation id", ErrValidation)
	}

	steps, err := json.Marshal(record.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step snapshots: %w", err)
	}
	completedAt := sql.NullTime{Time: record.CompletedAt, Valid: !record.CompletedAt.IsZero()}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE correlation_id = $1)", p.table)
	if err := tx.QueryRowContext(ctx, query, record.CorrelationID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check state existence: %w", err)
	}

	if exists {
		query = fmt.Sprintf(`UPDATE %s SET
			saga_name = $2, status = $3, successful = $4, started_at = $5,
			completed_at = $6, updated_at = $7, steps = $8
			WHERE correlation_id = $1`, p.table)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s
			(correlation_id, saga_name, status, successful, started_at, completed_at, updated_at, steps)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, p.table)
	}
	_, err = tx.ExecContext(ctx, query,
		record.CorrelationID, record.SagaName, record.Status, record.Successful,
		record.StartedAt, completedAt, time.Now(), steps)
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, correlationID string, successful bool) error {
	status := StatusFailed
	if successful {
		status = StatusCompleted
	}
	now := time.Now()

	query := fmt.Sprintf(`UPDATE %s SET
		status = $2, successful = $3, completed_at = $4, updated_at = $4
		WHERE correlation_id = $1`, p.table)
	res, err := p.db.ExecContext(ctx, query, correlationID, status, successful, now)
	if err != nil {
		return fmt.Errorf("failed to mark state completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
	}
	return nil
}

const stateColumns = "correlation_id, saga_name, status, successful, started_at, completed_at, updated_at, steps"

func (p *PostgresStore) GetState(ctx context.Context, correlationID string) (*StateRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE correlation_id = $1", stateColumns, p.table)
	rec, err := scanStateRow(p.db.QueryRowContext(ctx, query, correlationID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) GetInFlight(ctx context.Context) ([]*StateRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 ORDER BY started_at", stateColumns, p.table)
	return p.queryStates(ctx, query, StatusInFlight)
}

func (p *PostgresStore) GetStale(ctx context.Context, cutoff time.Time) ([]*StateRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 AND started_at < $2 ORDER BY started_at", stateColumns, p.table)
	return p.queryStates(ctx, query, StatusInFlight, cutoff)
}

func (p *PostgresStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s
		WHERE status IN ($1, $2, $3) AND completed_at IS NOT NULL AND completed_at < $4`, p.table)
	res, err := p.db.ExecContext(ctx, query, StatusCompleted, StatusFailed, StatusRolledBack, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up states: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check affected rows: %w", err)
	}
	return int(affected), nil
}

func (p *PostgresStore) IsHealthy(ctx context.Context) bool {
	return p.db.PingContext(ctx) == nil
}

func (p *PostgresStore) queryStates(ctx context.Context, query string, args ...any) ([]*StateRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var out []*StateRecord
	for rows.Next() {
		rec, err := scanStateRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRow(row rowScanner) (*StateRecord, error) {
	var (
		rec         StateRecord
		completedAt sql.NullTime
		steps       []byte
	)
	err := row.Scan(&rec.CorrelationID, &rec.SagaName, &rec.Status, &rec.Successful,
		&rec.StartedAt, &completedAt, &rec.UpdatedAt, &steps)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &rec.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step snapshots: %w", err)
		}
	}
	return &rec, nil
}

var _ StateStore = (*PostgresStore)(nil)
