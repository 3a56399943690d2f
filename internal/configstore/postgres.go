package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the saved configuration in PostgreSQL. A single
// row holds the latest blob; each save replaces it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS session_config (
		id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		config JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSessionConfig(ctx context.Context, cfg json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_config (id, config, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`,
		cfg,
	)
	if err != nil {
		return fmt.Errorf("save session config: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSessionConfig(ctx context.Context) (json.RawMessage, error) {
	var cfg json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT config FROM session_config WHERE id = 1`).Scan(&cfg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
