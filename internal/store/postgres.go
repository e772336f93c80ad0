package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/pkg/config"
	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_operations (
	id            TEXT PRIMARY KEY,
	target_region TEXT NOT NULL,
	source_region TEXT NOT NULL,
	collection    TEXT NOT NULL,
	document_id   TEXT NOT NULL,
	payload       JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	seq           BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_sync_operations_target ON sync_operations (target_region, seq);

CREATE TABLE IF NOT EXISTS conflicts (
	id             TEXT PRIMARY KEY,
	collection     TEXT NOT NULL,
	document_id    TEXT NOT NULL,
	source_region  TEXT NOT NULL,
	target_region  TEXT NOT NULL,
	source_version JSONB,
	target_version JSONB,
	detected_at    TIMESTAMPTZ NOT NULL,
	resolution     TEXT NOT NULL DEFAULT '',
	resolved_value JSONB,
	resolved_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON conflicts (detected_at) WHERE resolution = '';

CREATE TABLE IF NOT EXISTS failover_events (
	id          TEXT PRIMARY KEY,
	trigger_by  TEXT NOT NULL,
	from_region TEXT NOT NULL,
	to_region   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_failover_events_started ON failover_events (started_at);
`

// PostgresStore persists the replication queues, the conflict log, and
// the failover audit trail in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to PostgreSQL, verifies the connection, and
// ensures the schema exists.
func NewPostgresStore(cfg *config.StorageConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, apperrors.NewValidationError("storage configuration is required")
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=10",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to connect to database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperrors.NewInternalError("failed to ping database").WithCause(err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection, mainly for tests.
func NewPostgresStoreWithDB(db *sqlx.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return apperrors.NewInternalError("failed to create schema").WithCause(err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health verifies the database connection.
func (s *PostgresStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewInternalError("database health check failed").WithCause(err)
	}
	return nil
}

func (s *PostgresStore) EnqueueSyncOp(ctx context.Context, target string, op region.SyncOperation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal sync payload").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_operations (id, target_region, source_region, collection, document_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, target, op.SourceRegion, op.Collection, op.DocumentID, payload, op.Timestamp,
	)
	if err != nil {
		return apperrors.NewInternalError("failed to enqueue sync operation").WithCause(err)
	}
	return nil
}

type syncOpRow struct {
	ID           string    `db:"id"`
	SourceRegion string    `db:"source_region"`
	Collection   string    `db:"collection"`
	DocumentID   string    `db:"document_id"`
	Payload      []byte    `db:"payload"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *PostgresStore) PeekSyncOps(ctx context.Context, target string, limit int) ([]region.SyncOperation, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []syncOpRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, source_region, collection, document_id, payload, created_at
		FROM sync_operations
		WHERE target_region = $1
		ORDER BY seq
		LIMIT $2`,
		target, limit,
	)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read sync queue").WithCause(err)
	}

	ops := make([]region.SyncOperation, 0, len(rows))
	for _, row := range rows {
		op := region.SyncOperation{
			ID:           row.ID,
			SourceRegion: row.SourceRegion,
			Collection:   row.Collection,
			DocumentID:   row.DocumentID,
			Timestamp:    row.CreatedAt,
		}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &op.Payload); err != nil {
				return nil, apperrors.NewInternalError("failed to unmarshal sync payload").WithCause(err)
			}
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (s *PostgresStore) AckSyncOps(ctx context.Context, target string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		`DELETE FROM sync_operations WHERE target_region = ? AND id IN (?)`, target, ids)
	if err != nil {
		return apperrors.NewInternalError("failed to build ack query").WithCause(err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to ack sync operations").WithCause(err)
	}
	return nil
}

func (s *PostgresStore) PendingSyncOps(ctx context.Context, target string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sync_operations WHERE target_region = $1`, target)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to count sync operations").WithCause(err)
	}
	return n, nil
}

func (s *PostgresStore) SaveConflict(ctx context.Context, conflict region.Conflict) error {
	sourceVersion, err := json.Marshal(conflict.SourceVersion)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal source version").WithCause(err)
	}
	targetVersion, err := json.Marshal(conflict.TargetVersion)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal target version").WithCause(err)
	}
	resolvedValue, err := json.Marshal(conflict.ResolvedValue)
	if err != nil {
		return apperrors.NewInternalError("failed to marshal resolved value").WithCause(err)
	}

	var resolvedAt *time.Time
	if !conflict.ResolvedAt.IsZero() {
		resolvedAt = &conflict.ResolvedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, collection, document_id, source_region, target_region,
			source_version, target_version, detected_at, resolution, resolved_value, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			resolution = EXCLUDED.resolution,
			resolved_value = EXCLUDED.resolved_value,
			resolved_at = EXCLUDED.resolved_at`,
		conflict.ID, conflict.Collection, conflict.DocumentID,
		conflict.SourceRegion, conflict.TargetRegion,
		sourceVersion, targetVersion, conflict.DetectedAt,
		conflict.Resolution, resolvedValue, resolvedAt,
	)
	if err != nil {
		return apperrors.NewInternalError("failed to save conflict").WithCause(err)
	}
	return nil
}

type conflictRow struct {
	ID            string       `db:"id"`
	Collection    string       `db:"collection"`
	DocumentID    string       `db:"document_id"`
	SourceRegion  string       `db:"source_region"`
	TargetRegion  string       `db:"target_region"`
	SourceVersion []byte       `db:"source_version"`
	TargetVersion []byte       `db:"target_version"`
	DetectedAt    time.Time    `db:"detected_at"`
	Resolution    string       `db:"resolution"`
	ResolvedValue []byte       `db:"resolved_value"`
	ResolvedAt    sql.NullTime `db:"resolved_at"`
}

func (row conflictRow) toConflict() (region.Conflict, error) {
	conflict := region.Conflict{
		ID:           row.ID,
		Collection:   row.Collection,
		DocumentID:   row.DocumentID,
		SourceRegion: row.SourceRegion,
		TargetRegion: row.TargetRegion,
		DetectedAt:   row.DetectedAt,
		Resolution:   row.Resolution,
	}
	if len(row.SourceVersion) > 0 {
		if err := json.Unmarshal(row.SourceVersion, &conflict.SourceVersion); err != nil {
			return conflict, err
		}
	}
	if len(row.TargetVersion) > 0 {
		if err := json.Unmarshal(row.TargetVersion, &conflict.TargetVersion); err != nil {
			return conflict, err
		}
	}
	if len(row.ResolvedValue) > 0 {
		if err := json.Unmarshal(row.ResolvedValue, &conflict.ResolvedValue); err != nil {
			return conflict, err
		}
	}
	if row.ResolvedAt.Valid {
		conflict.ResolvedAt = row.ResolvedAt.Time
	}
	return conflict, nil
}

const conflictColumns = `id, collection, document_id, source_region, target_region,
	source_version, target_version, detected_at, resolution, resolved_value, resolved_at`

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (*region.Conflict, error) {
	var row conflictRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read conflict").WithCause(err)
	}

	conflict, err := row.toConflict()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to unmarshal conflict").WithCause(err)
	}
	return &conflict, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]region.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts ORDER BY detected_at`
	if unresolvedOnly {
		query = `SELECT ` + conflictColumns + ` FROM conflicts WHERE resolution = '' ORDER BY detected_at`
	}

	var rows []conflictRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewInternalError("failed to list conflicts").WithCause(err)
	}

	conflicts := make([]region.Conflict, 0, len(rows))
	for _, row := range rows {
		conflict, err := row.toConflict()
		if err != nil {
			return nil, apperrors.NewInternalError("failed to unmarshal conflict").WithCause(err)
		}
		conflicts = append(conflicts, conflict)
	}
	return conflicts, nil
}

func (s *PostgresStore) SaveFailoverEvent(ctx context.Context, event region.FailoverEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failover_events (id, trigger_by, from_region, to_region, reason, status, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms`,
		event.ID, event.Trigger, event.FromRegion, event.ToRegion,
		event.Reason, string(event.Status), event.Error,
		event.StartedAt, event.Duration.Milliseconds(),
	)
	if err != nil {
		return apperrors.NewInternalError("failed to save failover event").WithCause(err)
	}
	return nil
}

type failoverRow struct {
	ID         string    `db:"id"`
	Trigger    string    `db:"trigger_by"`
	FromRegion string    `db:"from_region"`
	ToRegion   string    `db:"to_region"`
	Reason     string    `db:"reason"`
	Status     string    `db:"status"`
	Error      string    `db:"error"`
	StartedAt  time.Time `db:"started_at"`
	DurationMs int64     `db:"duration_ms"`
}

func (s *PostgresStore) ListFailoverEvents(ctx context.Context, limit int) ([]region.FailoverEvent, error) {
	if limit <= 0 {
		limit = failoverHistoryCap
	}

	var rows []failoverRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trigger_by, from_region, to_region, reason, status, error, started_at, duration_ms
		FROM failover_events
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list failover events").WithCause(err)
	}

	out := make([]region.FailoverEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		out = append(out, region.FailoverEvent{
			ID:         row.ID,
			Trigger:    row.Trigger,
			FromRegion: row.FromRegion,
			ToRegion:   row.ToRegion,
			Reason:     row.Reason,
			Status:     region.FailoverStatus(row.Status),
			Error:      row.Error,
			StartedAt:  row.StartedAt,
			Duration:   time.Duration(row.DurationMs) * time.Millisecond,
		})
	}
	return out, nil
}
