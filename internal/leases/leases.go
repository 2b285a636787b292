// Package leases enforces the single-builder rule: exactly one process may
// drive the accumulator of a commitment kind at a time. Builders take their
// kind's lease before rebuilding and extend it every tick; a builder that
// cannot extend stops touching the accumulator.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
)

// BuilderLease is the lease name guarding one accumulator kind.
func BuilderLease(kind string) string {
	return "tree-builder/" + kind
}

// Lease is a named, expiring ownership record.
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// Store grants and extends leases.
//
// Acquire is a compare-and-swap: it succeeds when the lease is free, expired
// at the store's notion of now, or already held by holder, and sets the
// expiry to the store's now plus ttl in all three cases. On failure it reports held=false and
// returns the competing lease. Release removes the lease only when holder
// still holds it and is a no-op otherwise.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, holder string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func checkLeaseArgs(name, holder string, ttl time.Duration) error {
	if name == "" || holder == "" {
		return fmt.Errorf("%w: name and holder must be non-empty", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
