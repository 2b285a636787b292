// Package postgres persists commitments with pgx. A Store is bound to one
// accumulator kind; invariants that can be expressed as constraints live in
// the schema, the rest are enforced under row locks here.
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
	"github.com/zeroxbridge/sequencer-go/internal/nonce"
)

var ErrInvalidConfig = errors.New("commitment/postgres: invalid config")

type Config struct {
	// Kind binds this store to one accumulator.
	Kind commitment.Kind
	// MaxRetries caps retry_count in FetchPending; <= 0 disables the filter.
	MaxRetries int
}

type Store struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(pool *pgxpool.Pool, cfg Config) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, cfg.Kind)
	}
	return &Store{pool: pool, cfg: cfg}, nil
}

var _ commitment.Store = (*Store)(nil)

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("commitment/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertCommitment(ctx context.Context, c commitment.NewCommitment) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if c.CommitmentHash == "" {
		return commitment.Commitment{}, fmt.Errorf("%w: empty commitment hash", commitment.ErrInvalidInput)
	}
	if c.Amount > math.MaxInt64 {
		return commitment.Commitment{}, fmt.Errorf("%w: amount too large", commitment.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := nonce.Allocate(ctx, tx, string(s.cfg.Kind), c.OwnerKey)
	if err != nil {
		return commitment.Commitment{}, err
	}

	var (
		id        int64
		createdAt time.Time
		updatedAt time.Time
	)
	err = tx.QueryRow(ctx, `
		INSERT INTO commitments (
			kind,
			owner_key,
			amount,
			nonce,
			commitment_hash,
			status
		) VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at, updated_at
	`, string(s.cfg.Kind), c.OwnerKey[:], int64(c.Amount), int64(n), c.CommitmentHash,
		commitment.StatusPendingTreeInclusion.String()).Scan(&id, &createdAt, &updatedAt)
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: insert: %w", mapPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: commit insert: %w", err)
	}

	return commitment.Commitment{
		ID:             id,
		Kind:           s.cfg.Kind,
		OwnerKey:       c.OwnerKey,
		Amount:         c.Amount,
		Nonce:          n,
		CommitmentHash: c.CommitmentHash,
		Status:         commitment.StatusPendingTreeInclusion,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

const commitmentColumns = `
	id, kind, owner_key, amount, nonce, commitment_hash, status,
	leaf_index, proof, merkle_root, included, retry_count,
	COALESCE(failure_reason, ''), created_at, updated_at
`

func (s *Store) Get(ctx context.Context, id int64) (commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return commitment.Commitment{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE id = $1 AND kind = $2
	`, id, string(s.cfg.Kind))

	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return commitment.Commitment{}, fmt.Errorf("%w: id %d", commitment.ErrNotFound, id)
	}
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("commitment/postgres: get: %w", err)
	}
	return c, nil
}

func (s *Store) FetchPending(ctx context.Context, limit int) ([]commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", commitment.ErrInvalidInput)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE kind = $1
		  AND status = $2
		  AND included = FALSE
		  AND ($3 <= 0 OR retry_count <= $3)
		ORDER BY id ASC
		LIMIT $4
	`, string(s.cfg.Kind), commitment.StatusPendingTreeInclusion.String(), s.cfg.MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: fetch pending: %w", err)
	}
	defer rows.Close()

	return collectCommitments(rows)
}

func (s *Store) FetchAllIncludedOrdered(ctx context.Context) ([]commitment.Commitment, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+commitmentColumns+`
		FROM commitments
		WHERE kind = $1 AND included
		ORDER BY leaf_index ASC
	`, string(s.cfg.Kind))
	if err != nil {
		return nil, fmt.Errorf("commitment/postgres: fetch included: %w", err)
	}
	defer rows.Close()

	return collectCommitments(rows)
}

func (s *Store) MarkIncluded(ctx context.Context, id int64, leafIndex uint64, proof json.RawMessage, root merklehash.Word) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(proof) == 0 {
		return fmt.Errorf("%w: empty proof", commitment.ErrInvalidInput)
	}
	if leafIndex > math.MaxInt64 {
		return fmt.Errorf("%w: leaf index too large", commitment.ErrInvalidInput)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("commitment/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		statusRaw string
		included  bool
		prevIndex *int64
		prevProof []byte
		prevRoot  []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT status, included, leaf_index, proof, merkle_root
		FROM commitments
		WHERE id = $1 AND kind = $2
		FOR UPDATE
	`, id, string(s.cfg.Kind)).Scan(&statusRaw, &included, &prevIndex, &prevProof, &prevRoot)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", commitment.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("commitment/postgres: lock row: %w", err)
	}

	if included {
		if prevIndex != nil && uint64(*prevIndex) == leafIndex &&
			bytes.Equal(prevRoot, root[:]) && jsonEqual(prevProof, proof) {
			return nil
		}
		return fmt.Errorf("%w: row %d already included with different values", commitment.ErrConflict, id)
	}

	status, err := commitment.ParseStatus(statusRaw)
	if err != nil {
		return fmt.Errorf("commitment/postgres: %w", err)
	}
	if status != commitment.StatusPendingTreeInclusion {
		return fmt.Errorf("%w: cannot include row %d in status %s", commitment.ErrInvariantViolation, id, status)
	}

	_, err = tx.Exec(ctx, `
		UPDATE commitments
		SET included = TRUE,
		    leaf_index = $2,
		    proof = $3,
		    merkle_root = $4,
		    status = $5,
		    updated_at = now()
		WHERE id = $1
	`, id, int64(leafIndex), proof, root[:], commitment.StatusPendingProofGeneration.String())
	if err != nil {
		return fmt.Errorf("commitment/postgres: mark included: %w", mapPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commitment/postgres: commit mark included: %w", mapPgError(err))
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("commitment/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var statusRaw string
	err = tx.QueryRow(ctx, `
		SELECT status FROM commitments
		WHERE id = $1 AND kind = $2
		FOR UPDATE
	`, id, string(s.cfg.Kind)).Scan(&statusRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", commitment.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("commitment/postgres: lock row: %w", err)
	}

	status, err := commitment.ParseStatus(statusRaw)
	if err != nil {
		return fmt.Errorf("commitment/postgres: %w", err)
	}
	if status == commitment.StatusClaimed {
		return fmt.Errorf("%w: cannot fail claimed row %d", commitment.ErrInvariantViolation, id)
	}

	_, err = tx.Exec(ctx, `
		UPDATE commitments
		SET status = $2,
		    retry_count = retry_count + 1,
		    failure_reason = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, commitment.StatusFailed.String(), reason)
	if err != nil {
		return fmt.Errorf("commitment/postgres: mark failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commitment/postgres: commit mark failed: %w", err)
	}
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id int64, to commitment.Status) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("commitment/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var statusRaw string
	err = tx.QueryRow(ctx, `
		SELECT status FROM commitments
		WHERE id = $1 AND kind = $2
		FOR UPDATE
	`, id, string(s.cfg.Kind)).Scan(&statusRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: id %d", commitment.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("commitment/postgres: lock row: %w", err)
	}

	from, err := commitment.ParseStatus(statusRaw)
	if err != nil {
		return fmt.Errorf("commitment/postgres: %w", err)
	}
	if from == to {
		return nil
	}
	if !commitment.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", commitment.ErrInvariantViolation, from, to)
	}

	_, err = tx.Exec(ctx, `
		UPDATE commitments SET status = $2, updated_at = now() WHERE id = $1
	`, id, to.String())
	if err != nil {
		return fmt.Errorf("commitment/postgres: set status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commitment/postgres: commit set status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row rowScanner) (commitment.Commitment, error) {
	var (
		c         commitment.Commitment
		kindRaw   string
		ownerRaw  []byte
		amount    int64
		n         int64
		statusRaw string
		leafIndex *int64
		proofRaw  []byte
		rootRaw   []byte
		retry     int32
	)
	err := row.Scan(&c.ID, &kindRaw, &ownerRaw, &amount, &n, &c.CommitmentHash, &statusRaw,
		&leafIndex, &proofRaw, &rootRaw, &c.Included, &retry,
		&c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return commitment.Commitment{}, err
	}

	c.Kind = commitment.Kind(kindRaw)
	owner, err := to32(ownerRaw)
	if err != nil {
		return commitment.Commitment{}, fmt.Errorf("owner_key: %w", err)
	}
	c.OwnerKey = owner
	c.Amount = uint64(amount)
	c.Nonce = uint64(n)
	c.RetryCount = int(retry)

	c.Status, err = commitment.ParseStatus(statusRaw)
	if err != nil {
		return commitment.Commitment{}, err
	}
	if leafIndex != nil {
		idx := uint64(*leafIndex)
		c.LeafIndex = &idx
	}
	if len(proofRaw) > 0 {
		c.Proof = append(json.RawMessage(nil), proofRaw...)
	}
	if len(rootRaw) > 0 {
		root, err := to32(rootRaw)
		if err != nil {
			return commitment.Commitment{}, fmt.Errorf("merkle_root: %w", err)
		}
		r := merklehash.Word(root)
		c.MerkleRoot = &r
	}
	return c, nil
}

func collectCommitments(rows pgx.Rows) ([]commitment.Commitment, error) {
	var out []commitment.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, fmt.Errorf("commitment/postgres: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitment/postgres: rows: %w", err)
	}
	return out, nil
}

// mapPgError folds constraint violations into the store sentinels so callers
// can classify without importing pgconn.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", commitment.ErrConflict, pgErr.ConstraintName)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", commitment.ErrInvariantViolation, pgErr.ConstraintName)
		}
	}
	return err
}

// jsonEqual compares two proof documents structurally; jsonb storage does
// not preserve key order or whitespace.
func jsonEqual(a, b []byte) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ar, err := json.Marshal(av)
	if err != nil {
		return false
	}
	br, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ar, br)
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
