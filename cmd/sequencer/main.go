package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeroxbridge/sequencer-go/internal/bridgeapi"
	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	commitmentpg "github.com/zeroxbridge/sequencer-go/internal/commitment/postgres"
	leasespg "github.com/zeroxbridge/sequencer-go/internal/leases/postgres"
	"github.com/zeroxbridge/sequencer-go/internal/proofarchive"
	"github.com/zeroxbridge/sequencer-go/internal/queue"
	"github.com/zeroxbridge/sequencer-go/internal/secrets"
	"github.com/zeroxbridge/sequencer-go/internal/treebuilder"
)

func main() {
	var (
		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (required unless --postgres-dsn-secret)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret ref for the Postgres DSN (env var name or AWS secret ARN)")
		secretsDriver     = flag.String("secrets-driver", "env", "secrets provider for --postgres-dsn-secret: env|aws")

		kindsFlag = flag.String("kinds", "deposit,withdrawal", "comma-separated commitment kinds to build trees for")

		pollInterval   = flag.Duration("poll-interval", 10*time.Second, "builder poll interval")
		batchSize      = flag.Int("batch-size", 100, "maximum pending rows fetched per tick")
		startupRebuild = flag.Bool("startup-rebuild", true, "replay included rows into the accumulator before the first tick")
		maxRetries     = flag.Int("max-retries", 5, "skip pending rows with retry_count above this; 0 disables the filter")
		treeDepth      = flag.Int("tree-depth", treebuilder.DefaultTreeDepth, "maximum withdrawal tree depth")
		logLevel       = flag.String("log-level", "info", "log level: debug|info|warn|error")

		leaderElection = flag.Bool("leader-election", true, "enable per-kind leader election via DB lease")
		leaderLeaseTTL = flag.Duration("leader-lease-ttl", 15*time.Second, "builder lease TTL (renewed each tick)")
		owner          = flag.String("owner", "", "unique sequencer owner id (required with --leader-election)")

		publishIncluded = flag.Bool("publish-included", false, "publish inclusion events to the queue")
		queueDriver     = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers    = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		includedTopic   = flag.String("included-topic", queue.TopicIncluded, "queue topic for inclusion events")

		archiveDriver    = flag.String("proof-archive-driver", "", "proof archive driver: s3|memory; empty disables archiving")
		archiveBucket    = flag.String("proof-archive-bucket", "", "S3 bucket for the proof archive (required for s3)")
		archivePrefix    = flag.String("proof-archive-prefix", "", "proof archive key prefix")
		archiveProofSize = flag.Int64("proof-archive-max-size", 16<<20, "maximum archived proof size fetched (bytes)")

		listenAddr = flag.String("listen", "127.0.0.1:8082", "HTTP listen address; empty disables the API")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		proofCacheTTL        = flag.Duration("proof-cache-ttl", 30*time.Second, "TTL for proof response cache")
		proofCacheMaxEntries = flag.Int("proof-cache-max-entries", 10000, "maximum cached proof responses")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --log-level: %v\n", err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *postgresDSN == "" && strings.TrimSpace(*postgresDSNSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn or --postgres-dsn-secret is required")
		os.Exit(2)
	}
	kinds, err := parseKinds(*kindsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --kinds: %v\n", err)
		os.Exit(2)
	}
	if *pollInterval <= 0 || *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "error: --poll-interval and --batch-size must be > 0")
		os.Exit(2)
	}
	if *treeDepth <= 0 || *treeDepth >= 64 {
		fmt.Fprintln(os.Stderr, "error: --tree-depth must be between 1 and 63")
		os.Exit(2)
	}
	if *leaderElection && strings.TrimSpace(*owner) == "" {
		fmt.Fprintln(os.Stderr, "error: --owner is required with --leader-election")
		os.Exit(2)
	}
	if *leaderElection && *leaderLeaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: --leader-lease-ttl must be > 0")
		os.Exit(2)
	}
	if *publishIncluded && strings.TrimSpace(*includedTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --included-topic must be non-empty with --publish-included")
		os.Exit(2)
	}
	if strings.TrimSpace(*archiveDriver) == proofarchive.DriverS3 && strings.TrimSpace(*archiveBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --proof-archive-bucket is required with --proof-archive-driver=s3")
		os.Exit(2)
	}
	if *listenAddr != "" {
		if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
			fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
			os.Exit(2)
		}
		if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
			fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
			os.Exit(2)
		}
		if *proofCacheTTL <= 0 || *proofCacheMaxEntries <= 0 {
			fmt.Fprintln(os.Stderr, "error: proof cache settings must be > 0")
			os.Exit(2)
		}
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

	stores := make(map[commitment.Kind]commitment.Store, len(kinds))
	for i, kind := range kinds {
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

	var leaseStore *leasespg.Store
	if *leaderElection {
		leaseStore, err = leasespg.New(pool)
		if err != nil {
			log.Error("init lease store", "err", err)
			os.Exit(2)
		}
		if err := leaseStore.EnsureSchema(ctx); err != nil {
			log.Error("ensure lease schema", "err", err)
			os.Exit(2)
		}
	}

	var producer queue.Producer
	if *publishIncluded {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Writer:  os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
	}

	var archive proofarchive.Archive
	if strings.TrimSpace(*archiveDriver) != "" {
		archive, err = newProofArchive(ctx, *archiveDriver, *archiveBucket, *archivePrefix, *archiveProofSize)
		if err != nil {
			log.Error("init proof archive", "err", err)
			os.Exit(2)
		}
	}

	builders := make(map[commitment.Kind]*treebuilder.Builder, len(kinds))
	for _, kind := range kinds {
		acc := accumulatorFor(kind, *treeDepth)

		b, err := treebuilder.New(treebuilder.Config{
			Kind:           kind,
			PollInterval:   *pollInterval,
			BatchSize:      *batchSize,
			StartupRebuild: *startupRebuild,
		}, stores[kind], acc, log)
		if err != nil {
			log.Error("init builder", "kind", string(kind), "err", err)
			os.Exit(2)
		}

		if *leaderElection {
			elector, err := treebuilder.NewLeaderElector(leaseStore, kind, *owner, *leaderLeaseTTL)
			if err != nil {
				log.Error("init leader elector", "kind", string(kind), "err", err)
				os.Exit(2)
			}
			b.WithLeaderElector(elector)
		}
		if producer != nil {
			b.WithPublisher(producer, *includedTopic)
		}
		if archive != nil {
			b.WithArchive(archive)
		}
		builders[kind] = b
	}

	log.Info("sequencer started",
		"kinds", *kindsFlag,
		"owner", *owner,
		"pollInterval", pollInterval.String(),
		"batchSize", *batchSize,
		"startupRebuild", *startupRebuild,
		"leaderElection", *leaderElection,
		"publishIncluded", *publishIncluded,
		"proofArchiveDriver", strings.TrimSpace(*archiveDriver),
		"listen", *listenAddr,
	)

	errCh := make(chan error, len(builders)+1)
	for kind, b := range builders {
		kind, b := kind, b
		go func() {
			if err := b.Run(ctx); err != nil {
				errCh <- fmt.Errorf("builder %s: %w", kind, err)
				return
			}
			errCh <- nil
		}()
	}

	var srv *http.Server
	if *listenAddr != "" {
		states := make(map[commitment.Kind]func() treebuilder.State, len(builders))
		for kind, b := range builders {
			states[kind] = b.State
		}
		handler, err := bridgeapi.NewHandler(bridgeapi.Config{
			Stores:                  stores,
			States:                  states,
			RateLimitPerIPPerSecond: *rateLimitPerSecond,
			RateLimitBurst:          *rateLimitBurst,
			RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
			ProofCacheTTL:           *proofCacheTTL,
			ProofCacheMaxEntries:    *proofCacheMaxEntries,
			Now:                     time.Now,
		})
		if err != nil {
			log.Error("init api handler", "err", err)
			os.Exit(2)
		}

		srv = &http.Server{
			Addr:              *listenAddr,
			Handler:           handler,
			ReadHeaderTimeout: *readHeaderTimeout,
			ReadTimeout:       *readTimeout,
			WriteTimeout:      *writeTimeout,
			IdleTimeout:       *idleTimeout,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			log.Info("api listening", "addr", *listenAddr)
			errCh <- srv.ListenAndServe()
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("runtime error", "err", err)
			exitCode = 1
		}
		stop()
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func parseKinds(s string) ([]commitment.Kind, error) {
	parts := strings.Split(s, ",")
	out := make([]commitment.Kind, 0, len(parts))
	seen := make(map[commitment.Kind]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		kind := commitment.Kind(p)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown kind %q", p)
		}
		if seen[kind] {
			return nil, fmt.Errorf("duplicate kind %q", p)
		}
		seen[kind] = true
		out = append(out, kind)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no kinds configured")
	}
	return out, nil
}

func accumulatorFor(kind commitment.Kind, treeDepth int) treebuilder.Accumulator {
	if kind == commitment.KindWithdrawal {
		return treebuilder.NewPoseidonAccumulator(treeDepth)
	}
	return treebuilder.NewMMRAccumulator()
}

func newProofArchive(ctx context.Context, driver string, bucket string, prefix string, maxProofSize int64) (proofarchive.Archive, error) {
	cfg := proofarchive.Config{
		Driver:       strings.TrimSpace(strings.ToLower(driver)),
		Prefix:       strings.TrimSpace(prefix),
		MaxProofSize: maxProofSize,
		Bucket:       strings.TrimSpace(bucket),
	}
	if cfg.Driver == proofarchive.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return proofarchive.New(cfg)
}
