package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeroxbridge/sequencer-go/internal/blocktracker"
	blocktrackerpg "github.com/zeroxbridge/sequencer-go/internal/blocktracker/postgres"
	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	commitmentpg "github.com/zeroxbridge/sequencer-go/internal/commitment/postgres"
	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
	"github.com/zeroxbridge/sequencer-go/internal/queue"
	"github.com/zeroxbridge/sequencer-go/internal/secrets"
)

func main() {
	var (
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (required unless --postgres-dsn-secret)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret ref for the Postgres DSN (env var name or AWS secret ARN)")
		secretsDriver     = flag.String("secrets-driver", "env", "secrets provider for --postgres-dsn-secret: env|aws")

		maxRetries = flag.Int("max-retries", 5, "retry_count cap applied by the pending fetch; 0 disables the filter")

		queueDriver     = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers    = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup      = flag.String("queue-group", "commitment-ingest", "queue consumer group (required for kafka)")
		queueInTopics   = flag.String("queue-input-topics", queue.TopicPending, "comma-separated queue input topics")
		queueMaxBytes   = flag.Int("queue-max-bytes", 10<<20, "kafka fetch max bytes")
		queueAckTimeout = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for committing queue offsets")
		maxLineBytes    = flag.Int("max-line-bytes", 1<<20, "maximum stdio input line size (bytes)")

		insertTimeout = flag.Duration("insert-timeout", 5*time.Second, "timeout per commitment insert")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" && strings.TrimSpace(*postgresDSNSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn or --postgres-dsn-secret is required")
		os.Exit(2)
	}
	if *queueAckTimeout <= 0 || *insertTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *maxLineBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn, err := secrets.ResolveDSN(ctx, *secretsDriver, *postgresDSN, *postgresDSNSecret)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	stores := make(map[commitment.Kind]commitment.Store, 2)
	for i, kind := range []commitment.Kind{commitment.KindDeposit, commitment.KindWithdrawal} {
		store, err := commitmentpg.New(pool, commitmentpg.Config{Kind: kind, MaxRetries: *maxRetries})
		if err != nil {
			log.Error("init commitment store", "kind", string(kind), "err", err)
			os.Exit(2)
		}
		if i == 0 {
			if err := store.EnsureSchema(ctx); err != nil {
				log.Error("ensure commitment schema", "err", err)
				os.Exit(2)
			}
		}
		stores[kind] = store
	}

	tracker, err := blocktrackerpg.New(pool)
	if err != nil {
		log.Error("init block tracker", "err", err)
		os.Exit(2)
	}
	if err := tracker.EnsureSchema(ctx); err != nil {
		log.Error("ensure block tracker schema", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueInTopics),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("commitment ingest started",
		"queueDriver", *queueDriver,
		"queueGroup", *queueGroup,
		"queueInTopics", *queueInTopics,
	)

	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			line := bytes.TrimSpace(msg.Value)
			if len(line) == 0 {
				ackMessage(msg, *queueAckTimeout, log)
				continue
			}

			ev, err := queue.DecodePending(line)
			if err != nil {
				// Other event versions pass through silently; corrupt
				// payloads are logged. Neither is retried.
				if !errors.Is(err, queue.ErrWrongVersion) {
					log.Error("parse pending commitment", "err", err)
				}
				ackMessage(msg, *queueAckTimeout, log)
				continue
			}

			if err := ingest(ctx, stores, tracker, ev, *insertTimeout, log); err != nil {
				// Leave the message unacked; this process does not retry it.
				log.Error("ingest commitment", "kind", ev.Kind, "err", err)
				continue
			}
			ackMessage(msg, *queueAckTimeout, log)
		}
	}
}

func ingest(ctx context.Context, stores map[commitment.Kind]commitment.Store, tracker blocktracker.Store, ev queue.PendingCommitmentV1, timeout time.Duration, log *slog.Logger) error {
	kind := commitment.Kind(strings.ToLower(strings.TrimSpace(ev.Kind)))
	store, ok := stores[kind]
	if !ok {
		// Unknown kinds are dropped, not retried.
		log.Error("drop pending commitment", "kind", ev.Kind, "reason", "unknown kind")
		return nil
	}

	ownerKey, err := merklehash.ParseWord(ev.OwnerKey)
	if err != nil {
		log.Error("drop pending commitment", "kind", string(kind), "reason", "bad owner key", "err", err)
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	row, err := store.InsertCommitment(cctx, commitment.NewCommitment{
		OwnerKey:       ownerKey,
		Amount:         ev.Amount,
		CommitmentHash: strings.TrimSpace(ev.CommitmentHash),
	})
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	log.Info("commitment inserted", "kind", string(kind), "id", row.ID, "nonce", row.Nonce)

	if ev.BlockNumber > 0 {
		key := strings.TrimSpace(ev.Source)
		if key == "" {
			key = "watcher/" + string(kind)
		}
		if err := tracker.Set(cctx, key, ev.BlockNumber); err != nil {
			// The cursor is advisory; the row is already durable.
			log.Error("advance block cursor", "key", key, "err", err)
		}
	}
	return nil
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
