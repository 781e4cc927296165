package facts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore persists facts in postgres. Supersession is a single
// upsert, so the version bump and content replacement are atomic.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and migrates.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("facts: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreDB wraps an existing handle (tests use sqlmock here).
func NewPostgresStoreDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS facts (
		tenant_id TEXT NOT NULL,
		layer TEXT NOT NULL,
		entity_name TEXT NOT NULL,
		content JSONB NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		version BIGINT NOT NULL DEFAULT 1,
		stored_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, layer, entity_name)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("facts: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Supersede(ctx context.Context, fact Fact) (Ack, error) {
	if fact.Key.Tenant == "" || fact.Key.Layer == "" || fact.Key.Entity == "" {
		return Ack{}, fmt.Errorf("incomplete fact key %q", fact.Key)
	}
	content, err := json.Marshal(fact.Content)
	if err != nil {
		return Ack{}, fmt.Errorf("facts: content marshal: %w", err)
	}
	if fact.StoredAt.IsZero() {
		fact.StoredAt = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO facts (tenant_id, layer, entity_name, content, confidence, version, stored_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (tenant_id, layer, entity_name) DO UPDATE
		SET content = EXCLUDED.content,
		    confidence = EXCLUDED.confidence,
		    version = facts.version + 1,
		    stored_at = EXCLUDED.stored_at
		RETURNING version`,
		fact.Key.Tenant, fact.Key.Layer, fact.Key.Entity,
		content, fact.Confidence, fact.StoredAt,
	)
	var version int64
	if err := row.Scan(&version); err != nil {
		return Ack{}, fmt.Errorf("facts: supersede %s: %w", fact.Key, err)
	}
	return Ack{Key: fact.Key, Version: version, SupersededVersion: version - 1}, nil
}

func (s *PostgresStore) Active(ctx context.Context, tenant, layer string) ([]Fact, error) {
	query := `
		SELECT tenant_id, layer, entity_name, content, confidence, version, stored_at
		FROM facts WHERE tenant_id = $1`
	args := []any{tenant}
	if layer != "" {
		query += ` AND layer = $2`
		args = append(args, layer)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("facts: active query: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var content []byte
		if err := rows.Scan(&f.Key.Tenant, &f.Key.Layer, &f.Key.Entity,
			&content, &f.Confidence, &f.Version, &f.StoredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(content, &f.Content); err != nil {
			return nil, fmt.Errorf("facts: content unmarshal for %s: %w", f.Key, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close closes the underlying handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
