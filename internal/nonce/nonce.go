// Package nonce assigns per-owner monotonically increasing nonces. The
// allocation runs inside the caller's insert transaction; the upserted row's
// exclusive lock serializes concurrent allocations for one owner.
package nonce

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrInvalidInput = errors.New("nonce: invalid input")

// Querier is the slice of pgx.Tx the allocator needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Allocate returns the next nonce for (kind, ownerKey): 0 on the first call,
// then the pre-increment counter value.
func Allocate(ctx context.Context, q Querier, kind string, ownerKey [32]byte) (uint64, error) {
	if q == nil {
		return 0, fmt.Errorf("%w: nil querier", ErrInvalidInput)
	}
	if kind == "" {
		return 0, fmt.Errorf("%w: empty kind", ErrInvalidInput)
	}

	var previous int64
	err := q.QueryRow(ctx, `
		INSERT INTO nonces (kind, owner_key, current_nonce, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (kind, owner_key) DO UPDATE
		SET current_nonce = nonces.current_nonce + 1, updated_at = now()
		RETURNING current_nonce - 1
	`, kind, ownerKey[:]).Scan(&previous)
	if err != nil {
		return 0, fmt.Errorf("nonce: allocate for kind %s: %w", kind, err)
	}
	return uint64(previous), nil
}
