package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements Store on a single key/value table
type PostgresStore struct {
	pool    *pgxpool.Pool
	queries pgQueries
	logger  *zap.Logger
}

type pgQueries struct {
	createTable string
	load        string
	loadAll     string
	upsert      string
	remove      string
	removeAll   string
}

func newPGQueries(table string) pgQueries {
	t := pgx.Identifier{table}.Sanitize()
	return pgQueries{
		createTable: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key BYTEA PRIMARY KEY,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, t),
		load:    fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, t),
		loadAll: fmt.Sprintf(`SELECT key, value FROM %s WHERE key = ANY($1)`, t),
		upsert: fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, t),
		remove:    fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t),
		removeAll: fmt.Sprintf(`DELETE FROM %s WHERE key = ANY($1)`, t),
	}
}

// NewPostgresStore connects to PostgreSQL and creates the table if needed
func NewPostgresStore(ctx context.Context, connString, table string, maxConns int32, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{
		pool:    pool,
		queries: newPGQueries(table),
		logger:  logger,
	}

	if _, err := pool.Exec(ctx, s.queries.createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	logger.Info("Connected to PostgreSQL store", zap.String("table", table))
	return s, nil
}

// Load implements Store
func (s *PostgresStore) Load(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, s.queries.load, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load key: %w", err)
	}
	return value, true, nil
}

// LoadAll implements Store
func (s *PostgresStore) LoadAll(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, s.queries.loadAll, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[string(k)] = v
	}
	return out, rows.Err()
}

// Put implements Store
func (s *PostgresStore) Put(ctx context.Context, key, value []byte) error {
	if _, err := s.pool.Exec(ctx, s.queries.upsert, key, value); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// PutAll implements Store
func (s *PostgresStore) PutAll(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for k, v := range entries {
		batch.Queue(s.queries.upsert, []byte(k), v)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to put %d keys: %w", len(entries), err)
	}
	return nil
}

// Remove implements Store
func (s *PostgresStore) Remove(ctx context.Context, key []byte) error {
	if _, err := s.pool.Exec(ctx, s.queries.remove, key); err != nil {
		return fmt.Errorf("failed to remove key: %w", err)
	}
	return nil
}

// RemoveAll implements Store
func (s *PostgresStore) RemoveAll(ctx context.Context, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, s.queries.removeAll, keys); err != nil {
		return fmt.Errorf("failed to remove %d keys: %w", len(keys), err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
