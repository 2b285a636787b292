package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
)

var (
	// ErrNotFound is returned when no row has the requested id.
	ErrNotFound = errors.New("commitment: not found")
	// ErrConflict is returned when an update collides with existing state:
	// a row already included with different values, or a taken leaf index.
	ErrConflict = errors.New("commitment: conflict")
	// ErrInvariantViolation is returned when an update would break the
	// status DAG or an immutability rule.
	ErrInvariantViolation = errors.New("commitment: invariant violation")
	// ErrInvalidInput is returned for malformed operation arguments.
	ErrInvalidInput = errors.New("commitment: invalid input")
)

// Store is the durable commitment record. Implementations are bound to one
// accumulator kind.
type Store interface {
	// InsertCommitment assigns id and nonce in a single transaction and
	// creates the row with status PENDING_TREE_INCLUSION.
	InsertCommitment(ctx context.Context, c NewCommitment) (Commitment, error)

	// Get returns the row with the given id.
	Get(ctx context.Context, id int64) (Commitment, error)

	// FetchPending returns up to limit rows with status
	// PENDING_TREE_INCLUSION and included=false, ordered by id ascending.
	// Rows whose retry count exceeds the store's configured maximum are
	// skipped.
	FetchPending(ctx context.Context, limit int) ([]Commitment, error)

	// FetchAllIncludedOrdered returns every included row ordered by leaf
	// index ascending, for startup rebuild.
	FetchAllIncludedOrdered(ctx context.Context) ([]Commitment, error)

	// MarkIncluded atomically sets included=true, writes leaf index, proof
	// and root, and advances status to PENDING_PROOF_GENERATION. Replaying
	// the exact same values is a no-op; any mismatch or a taken leaf index
	// reports ErrConflict.
	MarkIncluded(ctx context.Context, id int64, leafIndex uint64, proof json.RawMessage, root merklehash.Word) error

	// MarkFailed transitions the row to FAILED and increments its retry
	// count. Claimed rows cannot fail.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// SetStatus advances the row along the status DAG.
	SetStatus(ctx context.Context, id int64, to Status) error
}

// IsTransient reports whether a store error is worth retrying on the next
// tick: connection-class failures, deadlocks, and serialization aborts.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
