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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeroxbridge/sequencer-go/internal/bridgeapi"
	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	commitmentpg "github.com/zeroxbridge/sequencer-go/internal/commitment/postgres"
	"github.com/zeroxbridge/sequencer-go/internal/secrets"
)

// bridge-api serves the commitment HTTP API without a co-located tree
// builder. State and health endpoints that need a live builder snapshot are
// served by cmd/sequencer; this binary covers read and insert scaling.
func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8082", "HTTP listen address")

		postgresDSN       = flag.String("postgres-dsn", "", "Postgres DSN (required unless --postgres-dsn-secret)")
		postgresDSNSecret = flag.String("postgres-dsn-secret", "", "secret ref for the Postgres DSN (env var name or AWS secret ARN)")
		secretsDriver     = flag.String("secrets-driver", "env", "secrets provider for --postgres-dsn-secret: env|aws")

		maxRetries = flag.Int("max-retries", 5, "retry_count cap applied by the pending fetch; 0 disables the filter")

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

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" && strings.TrimSpace(*postgresDSNSecret) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn or --postgres-dsn-secret is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
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

	handler, err := bridgeapi.NewHandler(bridgeapi.Config{
		Stores:                  stores,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		ProofCacheTTL:           *proofCacheTTL,
		ProofCacheMaxEntries:    *proofCacheMaxEntries,
		Now:                     time.Now,
	})
	if err != nil {
		log.Error("init bridge api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("bridge-api listening", "addr", *listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
