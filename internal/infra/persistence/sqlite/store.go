// Package sqlite persists the isocore state to an embedded SQLite file. The
// working set lives in a memory.Store; every commit writes the snapshot as
// JSON buckets plus a relational step_parameters table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"isocore/internal/infra/persistence/memory"
	"isocore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no path is configured.
const DefaultPath = "isocore.db"

var schema = []string{`CREATE TABLE IF NOT EXISTS state (
	bucket TEXT PRIMARY KEY,
	payload BLOB NOT NULL
)`, `CREATE TABLE IF NOT EXISTS step_parameters (
	interval_id TEXT NOT NULL,
	analysis_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	payload BLOB NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (interval_id, analysis_id, position)
)`}

// Store is a memory.Store whose commits are durably written to SQLite.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and hydrates the
// working set from it.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(engine, append(opts, memory.WithPersist(s.persist))...)
	snapshot, err := s.load(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ImportState(snapshot)
	return s, nil
}

func (s *Store) load(ctx context.Context) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return snapshot, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return snapshot, fmt.Errorf("scan state: %w", err)
		}
		if err := snapshot.DecodeBucket(bucket, payload); err != nil {
			return snapshot, err
		}
	}
	if err := rows.Err(); err != nil {
		return snapshot, fmt.Errorf("iterate state: %w", err)
	}
	params, err := s.loadParams(ctx)
	if err != nil {
		return snapshot, err
	}
	snapshot.StepParameters = params
	return snapshot, nil
}

func (s *Store) loadParams(ctx context.Context) ([]domain.StepParameters, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT interval_id, analysis_id, position, payload, updated_at FROM step_parameters ORDER BY interval_id, analysis_id, position`)
	if err != nil {
		return nil, fmt.Errorf("select step_parameters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.StepParameters
	for rows.Next() {
		var (
			p       domain.StepParameters
			payload []byte
			updated string
		)
		if err := rows.Scan(&p.IntervalID, &p.AnalysisID, &p.Position, &payload, &updated); err != nil {
			return nil, fmt.Errorf("scan step_parameters: %w", err)
		}
		if err := json.Unmarshal(payload, &p.Values); err != nil {
			return nil, fmt.Errorf("decode parameters %s/%s/%d: %w", p.IntervalID, p.AnalysisID, p.Position, err)
		}
		if err := p.UpdatedAt.UnmarshalText([]byte(updated)); err != nil {
			return nil, fmt.Errorf("decode updated_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) persist(ctx context.Context, snapshot memory.Snapshot) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range memory.Buckets {
		if bucket == memory.BucketStepParameters {
			continue
		}
		data, err := snapshot.EncodeBucket(bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM step_parameters`); err != nil {
		return fmt.Errorf("clear step_parameters: %w", err)
	}
	for _, p := range snapshot.StepParameters {
		payload, err := json.Marshal(p.Values)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		updated, err := p.UpdatedAt.MarshalText()
		if err != nil {
			return fmt.Errorf("encode updated_at: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO step_parameters(interval_id,analysis_id,position,payload,updated_at) VALUES(?,?,?,?,?)`,
			p.IntervalID, p.AnalysisID, p.Position, payload, string(updated)); err != nil {
			return fmt.Errorf("insert step_parameters: %w", err)
		}
	}
	return tx.Commit()
}

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
