package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formmapper/api/schemas"
)

// ErrRunNotFound is returned by LoadDocument for an unknown run id.
var ErrRunNotFound = errors.New("mapping run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists mapping runs in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS mapping_runs (
    run_id     TEXT PRIMARY KEY,
    form_name  TEXT NOT NULL,
    start_url  TEXT NOT NULL,
    complete   BOOLEAN NOT NULL,
    reason     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS mapping_entries (
    run_id               TEXT NOT NULL REFERENCES mapping_runs(run_id) ON DELETE CASCADE,
    position             INTEGER NOT NULL,
    name                 TEXT NOT NULL,
    frame_context        TEXT[],
    locator              TEXT NOT NULL,
    action_type          TEXT NOT NULL,
    value                TEXT NOT NULL,
    visibility_condition TEXT,
    PRIMARY KEY (run_id, position)
);`

const sqlUpsertRun = `
        INSERT INTO mapping_runs (run_id, form_name, start_url, complete, reason, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id) DO UPDATE SET
            complete = EXCLUDED.complete,
            reason = EXCLUDED.reason;
    `

const sqlDeleteEntries = `DELETE FROM mapping_entries WHERE run_id = $1;`

const sqlSelectEntries = `
        SELECT name, frame_context, locator, action_type, value, visibility_condition
        FROM mapping_entries
        WHERE run_id = $1
        ORDER BY position ASC;
    `

const sqlRunExists = `SELECT 1 FROM mapping_runs WHERE run_id = $1;`

var entryColumns = []string{"run_id", "position", "name", "frame_context", "locator", "action_type", "value", "visibility_condition"}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// SaveRun writes the run and replaces its entries in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *schemas.RunRecord) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("run record needs a run id")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := tx.Exec(ctx, sqlUpsertRun,
		run.RunID, run.FormName, run.StartURL, run.Complete, string(run.Reason), createdAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", run.RunID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteEntries, run.RunID); err != nil {
		return fmt.Errorf("failed to clear entries of run %s: %w", run.RunID, err)
	}
	if err := s.copyEntries(ctx, tx, run.RunID, run.Document.Entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run persisted.", zap.String("run_id", run.RunID), zap.Int("entries", len(run.Document.Entries)))
	return nil
}

func (s *Store) copyEntries(ctx context.Context, tx pgx.Tx, runID string, entries []schemas.MappingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = []interface{}{
			runID, i, e.Name, e.FrameContext, e.Locator,
			string(e.ActionType), e.Value, e.VisibilityCondition,
		}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"mapping_entries"}, entryColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy entries: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("mismatch in copied entries count: expected %d, got %d", len(entries), n)
	}
	return nil
}

// LoadDocument returns the mapping document of a run in entry order.
func (s *Store) LoadDocument(ctx context.Context, runID string) (schemas.MappingDocument, error) {
	rows, err := s.pool.Query(ctx, sqlSelectEntries, runID)
	if err != nil {
		return schemas.MappingDocument{}, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	doc := schemas.MappingDocument{Entries: []schemas.MappingEntry{}}
	for rows.Next() {
		var (
			e      schemas.MappingEntry
			action string
		)
		if err := rows.Scan(&e.Name, &e.FrameContext, &e.Locator, &action, &e.Value, &e.VisibilityCondition); err != nil {
			return schemas.MappingDocument{}, fmt.Errorf("failed to scan entry row: %w", err)
		}
		e.ActionType = schemas.ActionType(action)
		doc.Entries = append(doc.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return schemas.MappingDocument{}, fmt.Errorf("error during row iteration: %w", err)
	}
	if len(doc.Entries) > 0 {
		return doc, nil
	}

	ok, err := s.runExists(ctx, runID)
	if err != nil {
		return schemas.MappingDocument{}, err
	}
	if !ok {
		return schemas.MappingDocument{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return doc, nil
}

func (s *Store) runExists(ctx context.Context, runID string) (bool, error) {
	rows, err := s.pool.Query(ctx, sqlRunExists, runID)
	if err != nil {
		return false, fmt.Errorf("failed to look up run: %w", err)
	}
	defer rows.Close()
	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to look up run: %w", err)
	}
	return found, nil
}
