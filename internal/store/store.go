// Package store persists rollout records in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edvin/convoy/internal/model"
)

// ErrNotFound is returned when no record exists for the requested ID.
var ErrNotFound = errors.New("rollout record not found")

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool connects to the database and verifies the connection.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// RecordStore reads and appends rollout records. Records are append-only;
// there is no update path.
type RecordStore struct {
	db DB
}

func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

// Append inserts a finished rollout record.
func (s *RecordStore) Append(ctx context.Context, rec model.RolloutRecord) error {
	health, err := json.Marshal(rec.Health)
	if err != nil {
		return fmt.Errorf("encode health results: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO rollout_records (id, host, manifest_version, started_at, finished_at, outcome, reason, health)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Host, rec.ManifestVersion, rec.StartedAt, rec.FinishedAt,
		string(rec.Outcome), rec.Reason, health,
	)
	if err != nil {
		return fmt.Errorf("insert rollout record: %w", err)
	}
	return nil
}

// GetByID returns one rollout record.
func (s *RecordStore) GetByID(ctx context.Context, id string) (*model.RolloutRecord, error) {
	var (
		rec    model.RolloutRecord
		health []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, host, manifest_version, started_at, finished_at, outcome, reason, health
		 FROM rollout_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Host, &rec.ManifestVersion, &rec.StartedAt, &rec.FinishedAt,
		&rec.Outcome, &rec.Reason, &health)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rollout record: %w", err)
	}
	if err := json.Unmarshal(health, &rec.Health); err != nil {
		return nil, fmt.Errorf("decode health results: %w", err)
	}
	return &rec, nil
}

// Recent returns the most recent records for a host, newest first.
func (s *RecordStore) Recent(ctx context.Context, host string, limit int) ([]model.RolloutRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, host, manifest_version, started_at, finished_at, outcome, reason, health
		 FROM rollout_records WHERE host = $1
		 ORDER BY started_at DESC LIMIT $2`, host, limit)
	if err != nil {
		return nil, fmt.Errorf("list rollout records: %w", err)
	}
	defer rows.Close()

	var records []model.RolloutRecord
	for rows.Next() {
		var (
			rec    model.RolloutRecord
			health []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Host, &rec.ManifestVersion, &rec.StartedAt,
			&rec.FinishedAt, &rec.Outcome, &rec.Reason, &health); err != nil {
			return nil, fmt.Errorf("scan rollout record: %w", err)
		}
		if err := json.Unmarshal(health, &rec.Health); err != nil {
			return nil, fmt.Errorf("decode health results: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
