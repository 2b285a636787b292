// Package postgres backs the lease store with a builder_leases table so that
// builders on different hosts contend through the same database that holds
// the commitments they guard.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeroxbridge/sequencer-go/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

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
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

// Acquire races through a single conditional upsert. The WHERE clause lets
// the insert win only against an expired row or the holder's own row, which
// makes acquiring and extending the same statement. The database clock
// decides expiry so builders on skewed hosts cannot disagree about who leads.
func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" || ttl <= 0 {
		return leases.Lease{}, false, leases.ErrInvalidInput
	}

	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO builder_leases (name, holder, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE builder_leases.expires_at <= now() OR builder_leases.holder = EXCLUDED.holder
		RETURNING holder, expires_at
	`, name, holder, ttlMilliseconds(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			cur, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leases.Lease{}, false, gerr
			}
			return cur, false, nil
		}
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: acquire %q: %w", name, err)
	}

	return leases.Lease{
		Name:      name,
		Holder:    gotHolder,
		ExpiresAt: expires,
	}, true, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return leases.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `DELETE FROM builder_leases WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %q: %w", name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if s == nil || s.pool == nil {
		return leases.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	var (
		holder    string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM builder_leases WHERE name = $1`, name).Scan(&holder, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Lease{}, leases.ErrNotFound
		}
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %q: %w", name, err)
	}

	return leases.Lease{
		Name:      name,
		Holder:    holder,
		ExpiresAt: expiresAt,
	}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
