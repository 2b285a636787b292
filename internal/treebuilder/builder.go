// Package treebuilder drives commitment inclusion: it owns the in-memory
// accumulator for one commitment kind, replays included rows on startup, and
// appends pending rows in id order.
package treebuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
	"github.com/zeroxbridge/sequencer-go/internal/proofarchive"
	"github.com/zeroxbridge/sequencer-go/internal/queue"
)

var (
	ErrInvalidConfig     = errors.New("treebuilder: invalid config")
	ErrInconsistentState = errors.New("treebuilder: inconsistent state")
)

type Config struct {
	Kind commitment.Kind

	PollInterval time.Duration
	BatchSize    int

	// StartupRebuild replays all included rows into the accumulator before
	// the first tick and asserts the rebuilt root against the stored one.
	StartupRebuild bool

	Now func() time.Time
}

type Builder struct {
	cfg Config

	log   *slog.Logger
	store commitment.Store
	acc   Accumulator

	elector  *LeaderElector
	producer queue.Producer
	topic    string
	archive  proofarchive.Archive

	mu           sync.Mutex
	inconsistent bool
	leafCount    uint64
	root         merklehash.Word
	hasRoot      bool
	lastTick     time.Time
}

func New(cfg Config, store commitment.Store, acc Accumulator, log *slog.Logger) (*Builder, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, cfg.Kind)
	}
	if store == nil || acc == nil {
		return nil, fmt.Errorf("%w: nil store/accumulator", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Builder{
		cfg:   cfg,
		log:   log.With("kind", string(cfg.Kind)),
		store: store,
		acc:   acc,
	}, nil
}

// WithLeaderElector makes Run wait for the builder lease before rebuilding
// and stop when the lease is lost.
func (b *Builder) WithLeaderElector(e *LeaderElector) *Builder {
	b.elector = e
	return b
}

// WithPublisher publishes a queue.IncludedEventV1 after each successful
// inclusion. Publish failures are logged, not retried; the store is the
// source of truth.
func (b *Builder) WithPublisher(p queue.Producer, topic string) *Builder {
	if topic == "" {
		topic = queue.TopicIncluded
	}
	b.producer = p
	b.topic = topic
	return b
}

// WithArchive persists the wire-form proof of each included commitment.
// Best effort, same as publishing.
func (b *Builder) WithArchive(a proofarchive.Archive) *Builder {
	b.archive = a
	return b
}

// Rebuild replays every included row, in leaf order, into the accumulator and
// asserts the rebuilt root against the root stored on the last row. A mismatch
// is terminal: the builder refuses all further work until restarted after
// operator investigation.
func (b *Builder) Rebuild(ctx context.Context) error {
	if b.acc.LeafCount() != 0 {
		return fmt.Errorf("%w: rebuild requires an empty accumulator", ErrInvalidConfig)
	}

	rows, err := b.store.FetchAllIncludedOrdered(ctx)
	if err != nil {
		return fmt.Errorf("treebuilder: rebuild fetch: %w", err)
	}

	for i, row := range rows {
		if row.LeafIndex == nil || *row.LeafIndex != uint64(i) {
			b.markInconsistent()
			return fmt.Errorf("%w: included leaf indexes not contiguous at id %d", ErrInconsistentState, row.ID)
		}
		leaf, err := row.LeafValue()
		if err != nil {
			b.markInconsistent()
			return fmt.Errorf("%w: included row %d has undecodable hash: %v", ErrInconsistentState, row.ID, err)
		}
		if _, _, err := b.acc.Append(leaf); err != nil {
			b.markInconsistent()
			return fmt.Errorf("%w: replay append id %d: %v", ErrInconsistentState, row.ID, err)
		}
	}

	if len(rows) > 0 {
		last := rows[len(rows)-1]
		root, err := b.acc.Root()
		if err != nil {
			b.markInconsistent()
			return fmt.Errorf("%w: rebuilt root: %v", ErrInconsistentState, err)
		}
		if last.MerkleRoot == nil || *last.MerkleRoot != root {
			b.markInconsistent()
			return fmt.Errorf("%w: rebuilt root %s does not match stored root on id %d",
				ErrInconsistentState, merklehash.FormatWord(root), last.ID)
		}
	}

	b.syncState()
	b.log.Info("rebuild complete", "leaves", b.acc.LeafCount())
	return nil
}

// Tick fetches one batch of pending rows and processes them strictly in the
// returned (id) order. Transient store errors abort the tick with the
// accumulator unchanged; the next tick retries.
func (b *Builder) Tick(ctx context.Context) error {
	if b.Inconsistent() {
		return ErrInconsistentState
	}

	rows, err := b.store.FetchPending(ctx, b.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("treebuilder: fetch pending: %w", err)
	}

	for _, row := range rows {
		// Shutdown lands between rows, never mid-row.
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := b.processRow(ctx, row); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.lastTick = b.cfg.Now()
	b.mu.Unlock()
	return nil
}

func (b *Builder) processRow(ctx context.Context, row commitment.Commitment) error {
	leaf, err := row.LeafValue()
	if err != nil {
		b.log.Warn("undecodable commitment hash", "id", row.ID, "err", err)
		return b.failRow(ctx, row.ID, fmt.Sprintf("decode commitment hash: %v", err))
	}

	leafIndex, root, err := b.acc.Append(leaf)
	if err != nil {
		return b.failRow(ctx, row.ID, fmt.Sprintf("append leaf: %v", err))
	}

	proof, err := b.acc.ProofFor(leafIndex)
	if err != nil {
		b.acc.Rollback()
		return b.failRow(ctx, row.ID, fmt.Sprintf("compute proof: %v", err))
	}

	if err := b.store.MarkIncluded(ctx, row.ID, leafIndex, proof, root); err != nil {
		b.acc.Rollback()
		if commitment.IsTransient(err) {
			return fmt.Errorf("treebuilder: mark included id %d: %w", row.ID, err)
		}
		b.log.Warn("mark included rejected", "id", row.ID, "leafIndex", leafIndex, "err", err)
		return b.failRow(ctx, row.ID, fmt.Sprintf("mark included: %v", err))
	}

	b.syncState()
	b.log.Info("included commitment",
		"id", row.ID,
		"leafIndex", leafIndex,
		"root", merklehash.FormatWord(root),
	)

	b.archiveProof(ctx, leafIndex, proof)
	b.publishIncluded(ctx, row, leafIndex, root)
	return nil
}

// failRow marks a single row FAILED and keeps the loop going. Only a
// transient failure of the mark itself aborts the tick.
func (b *Builder) failRow(ctx context.Context, id int64, reason string) error {
	if err := b.store.MarkFailed(ctx, id, reason); err != nil {
		if commitment.IsTransient(err) {
			return fmt.Errorf("treebuilder: mark failed id %d: %w", id, err)
		}
		b.log.Error("mark failed rejected", "id", id, "err", err)
	}
	return nil
}

func (b *Builder) archiveProof(ctx context.Context, leafIndex uint64, proof json.RawMessage) {
	if b.archive == nil {
		return
	}
	if err := b.archive.PutProof(ctx, b.cfg.Kind, leafIndex, proof); err != nil {
		b.log.Error("archive proof", "key", proofarchive.Key(b.cfg.Kind, leafIndex), "err", err)
	}
}

func (b *Builder) publishIncluded(ctx context.Context, row commitment.Commitment, leafIndex uint64, root merklehash.Word) {
	if b.producer == nil {
		return
	}
	ev := queue.IncludedEventV1{
		Kind:           string(b.cfg.Kind),
		ID:             row.ID,
		LeafIndex:      leafIndex,
		MerkleRoot:     merklehash.FormatWord(root),
		CommitmentHash: row.CommitmentHash,
	}
	if b.archive != nil {
		ev.ProofRef = proofarchive.Key(b.cfg.Kind, leafIndex)
	}
	payload, err := ev.Encode()
	if err != nil {
		b.log.Error("encode included event", "id", row.ID, "err", err)
		return
	}
	if err := b.producer.Publish(ctx, b.topic, payload); err != nil {
		b.log.Error("publish included event", "id", row.ID, "err", err)
	}
}

// Run is the poll loop: await the builder lease (when configured), rebuild,
// then tick every PollInterval until the context ends, the lease is lost, or
// the builder turns inconsistent.
func (b *Builder) Run(ctx context.Context) error {
	if b.elector != nil {
		if err := b.awaitLeadership(ctx); err != nil {
			return err
		}
	}

	if b.cfg.StartupRebuild {
		if err := b.Rebuild(ctx); err != nil {
			return err
		}
	}

	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if b.elector != nil {
				leader, err := b.elector.Tick(ctx)
				if err != nil {
					b.log.Error("leader election tick", "err", err)
					continue
				}
				if !leader {
					b.log.Warn("builder lease lost, stopping")
					return nil
				}
			}

			if err := b.Tick(ctx); err != nil {
				if errors.Is(err, ErrInconsistentState) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Error("tick", "err", err)
			}
		}
	}
}

func (b *Builder) awaitLeadership(ctx context.Context) error {
	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()

	for {
		leader, err := b.elector.Tick(ctx)
		if err != nil {
			b.log.Error("leader election tick", "err", err)
		} else if leader {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// State is a point-in-time snapshot for the status API.
type State struct {
	Kind         commitment.Kind
	LeafCount    uint64
	Root         string
	Inconsistent bool
	LastTick     time.Time
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{
		Kind:         b.cfg.Kind,
		LeafCount:    b.leafCount,
		Inconsistent: b.inconsistent,
		LastTick:     b.lastTick,
	}
	if b.hasRoot {
		s.Root = merklehash.FormatWord(b.root)
	}
	return s
}

func (b *Builder) Inconsistent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inconsistent
}

func (b *Builder) markInconsistent() {
	b.mu.Lock()
	b.inconsistent = true
	b.mu.Unlock()
}

// syncState copies the accumulator's count and root into the mutex-guarded
// snapshot read by State. Only the builder goroutine touches the accumulator.
func (b *Builder) syncState() {
	count := b.acc.LeafCount()
	root, err := b.acc.Root()

	b.mu.Lock()
	b.leafCount = count
	if err == nil {
		b.root = root
		b.hasRoot = true
	}
	b.mu.Unlock()
}
