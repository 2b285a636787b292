package treebuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	"github.com/zeroxbridge/sequencer-go/internal/leases"
)

// LeaderElector enforces the one-builder-per-accumulator rule through the
// lease named after the builder's kind. Tick re-acquires every call; because
// Acquire is a compare-and-swap that also extends a lease the caller already
// holds, holding and renewing are the same operation.
type LeaderElector struct {
	store  leases.Store
	name   string
	holder string
	ttl    time.Duration
}

func NewLeaderElector(store leases.Store, kind commitment.Kind, holder string, ttl time.Duration) (*LeaderElector, error) {
	if store == nil || !kind.Valid() || holder == "" || ttl <= 0 {
		return nil, fmt.Errorf("%w: invalid leader elector config", ErrInvalidConfig)
	}
	return &LeaderElector{
		store:  store,
		name:   leases.BuilderLease(string(kind)),
		holder: holder,
		ttl:    ttl,
	}, nil
}

// Tick reports whether this instance holds the builder lease after one
// acquire attempt. A standby keeps ticking until the holder's lease lapses.
func (l *LeaderElector) Tick(ctx context.Context) (bool, error) {
	if l == nil || l.store == nil {
		return false, fmt.Errorf("%w: nil leader elector", ErrInvalidConfig)
	}
	_, held, err := l.store.Acquire(ctx, l.name, l.holder, l.ttl)
	if err != nil {
		return false, err
	}
	return held, nil
}

// Resign releases the lease so a standby can take over without waiting for
// the TTL to lapse. Safe to call when the lease was never held.
func (l *LeaderElector) Resign(ctx context.Context) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("%w: nil leader elector", ErrInvalidConfig)
	}
	return l.store.Release(ctx, l.name, l.holder)
}
