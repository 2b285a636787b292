package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeroxbridge/sequencer-go/internal/blocktracker"
)

var ErrInvalidConfig = errors.New("blocktracker/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

var _ blocktracker.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("blocktracker/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Set(ctx context.Context, key string, block uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key == "" {
		return blocktracker.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO block_trackers (key, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block,
			updated_at = now()
	`, key, int64(block))
	if err != nil {
		return fmt.Errorf("blocktracker/postgres: set: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (uint64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key == "" {
		return 0, blocktracker.ErrInvalidInput
	}

	var block int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_processed_block FROM block_trackers WHERE key = $1
	`, key).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, blocktracker.ErrNotFound
		}
		return 0, fmt.Errorf("blocktracker/postgres: get: %w", err)
	}
	return uint64(block), nil
}
