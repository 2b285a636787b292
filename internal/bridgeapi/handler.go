// Package bridgeapi exposes the sequencer's commitment surfaces over HTTP:
// insertion for watchers, status for the relayer and UI, proof fetch for the
// prover. Handlers are thin adapters over the commitment store.
package bridgeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
	"github.com/zeroxbridge/sequencer-go/internal/merklehash"
	"github.com/zeroxbridge/sequencer-go/internal/treebuilder"
)

var ErrInvalidConfig = errors.New("bridgeapi: invalid config")

type Config struct {
	// Stores holds one kind-bound store per served commitment kind.
	Stores map[commitment.Kind]commitment.Store

	// States exposes builder snapshots for healthz and the state endpoint.
	// A builder in the inconsistent condition fails the health check.
	States map[commitment.Kind]func() treebuilder.State

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	ProofCacheTTL        time.Duration
	ProofCacheMaxEntries int

	Now func() time.Time
}

func NewHandler(cfg Config) (http.Handler, error) {
	if len(cfg.Stores) == 0 {
		return nil, fmt.Errorf("%w: no commitment stores", ErrInvalidConfig)
	}
	for kind, store := range cfg.Stores {
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, kind)
		}
		if store == nil {
			return nil, fmt.Errorf("%w: nil store for kind %q", ErrInvalidConfig, kind)
		}
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.ProofCacheTTL <= 0 {
		cfg.ProofCacheTTL = 30 * time.Second
	}
	if cfg.ProofCacheMaxEntries <= 0 {
		cfg.ProofCacheMaxEntries = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg: cfg,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
		proofCache: newProofResponseCache(cfg.ProofCacheTTL, cfg.ProofCacheMaxEntries),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /v1/commitments/{kind}", h.handleInsert)
	mux.HandleFunc("GET /v1/commitments/{kind}/{id}", h.handleStatus)
	mux.HandleFunc("GET /v1/commitments/{kind}/{id}/proof", h.handleProof)
	mux.HandleFunc("GET /v1/state/{kind}", h.handleState)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	limiter    *ipRateLimiter
	proofCache *proofResponseCache
}

func (h *handler) storeFor(w http.ResponseWriter, r *http.Request) (commitment.Kind, commitment.Store, bool) {
	kind := commitment.Kind(strings.TrimSpace(r.PathValue("kind")))
	store, ok := h.cfg.Stores[kind]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "unknown_kind",
		})
		return "", nil, false
	}
	return kind, store, true
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	for _, stateFn := range h.cfg.States {
		if stateFn().Inconsistent {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"version": "v1",
				"error":   "inconsistent_state",
			})
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleState(w http.ResponseWriter, r *http.Request) {
	kind := commitment.Kind(strings.TrimSpace(r.PathValue("kind")))
	stateFn, ok := h.cfg.States[kind]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "unknown_kind",
		})
		return
	}

	st := stateFn()
	lastTick := ""
	if !st.LastTick.IsZero() {
		lastTick = st.LastTick.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"kind":         string(st.Kind),
		"leafCount":    st.LeafCount,
		"root":         st.Root,
		"inconsistent": st.Inconsistent,
		"lastTick":     lastTick,
	})
}

type insertRequestBody struct {
	OwnerKey       string `json:"ownerKey"`
	Amount         string `json:"amount"`
	CommitmentHash string `json:"commitmentHash"`
}

func (h *handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	_, store, ok := h.storeFor(w, r)
	if !ok {
		return
	}

	body, ok := decodeJSONBody[insertRequestBody](w, r)
	if !ok {
		return
	}
	ownerKey, err := parseHex32(body.OwnerKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_owner_key",
		})
		return
	}
	amount, err := parseUint64BodyValue(body.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_amount",
		})
		return
	}
	// Reject malformed hashes at entry; rows inserted here must be appendable.
	if _, err := merklehash.ParseWord(strings.TrimSpace(body.CommitmentHash)); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_commitment_hash",
		})
		return
	}

	c, err := store.InsertCommitment(r.Context(), commitment.NewCommitment{
		OwnerKey:       ownerKey,
		Amount:         amount,
		CommitmentHash: strings.ToLower(strings.TrimSpace(body.CommitmentHash)),
	})
	if err != nil {
		if errors.Is(err, commitment.ErrInvalidInput) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"version": "v1",
				"error":   "invalid_input",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "insert_failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":        "v1",
		"id":             c.ID,
		"kind":           string(c.Kind),
		"nonce":          strconv.FormatUint(c.Nonce, 10),
		"status":         c.Status.String(),
		"commitmentHash": c.CommitmentHash,
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, store, ok := h.storeFor(w, r)
	if !ok {
		return
	}
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_id",
		})
		return
	}

	c, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version": "v1",
				"found":   false,
				"id":      id,
				"kind":    string(kind),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	resp := map[string]any{
		"version":        "v1",
		"found":          true,
		"id":             c.ID,
		"kind":           string(c.Kind),
		"status":         c.Status.String(),
		"ownerKey":       merklehash.FormatWord(c.OwnerKey),
		"amount":         strconv.FormatUint(c.Amount, 10),
		"nonce":          strconv.FormatUint(c.Nonce, 10),
		"commitmentHash": c.CommitmentHash,
		"included":       c.Included,
		"retryCount":     c.RetryCount,
	}
	if c.LeafIndex != nil {
		resp["leafIndex"] = *c.LeafIndex
	}
	if c.MerkleRoot != nil {
		resp["merkleRoot"] = merklehash.FormatWord(*c.MerkleRoot)
	}
	if c.FailureReason != "" {
		resp["failureReason"] = c.FailureReason
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleProof(w http.ResponseWriter, r *http.Request) {
	kind, store, ok := h.storeFor(w, r)
	if !ok {
		return
	}
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_id",
		})
		return
	}

	// Proofs are immutable once stored, so cached bodies never go stale
	// within the TTL.
	cacheKey := proofCacheKey(kind, id)
	if body, ok := h.proofCache.Get(cacheKey, h.cfg.Now().UTC()); ok {
		writeJSONBytes(w, http.StatusOK, body)
		return
	}

	c, err := store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"version": "v1",
				"error":   "not_found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	if !c.Included || len(c.Proof) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"version": "v1",
			"error":   "not_included",
		})
		return
	}

	body := append(json.RawMessage(nil), c.Proof...)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	h.proofCache.Set(cacheKey, body, h.cfg.Now().UTC())
	writeJSONBytes(w, http.StatusOK, body)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}

func parseHex32(s string) ([32]byte, error) {
	w, err := merklehash.ParseWord(strings.TrimSpace(s))
	if err != nil {
		return [32]byte{}, err
	}
	return w, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_json",
		})
		return out, false
	}
	return out, true
}

func parseUint64BodyValue(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("missing value")
	}
	return strconv.ParseUint(raw, 10, 64)
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}

type proofEntry struct {
	body      []byte
	expiresAt time.Time
	lastSeen  time.Time
}

type proofResponseCache struct {
	mu sync.Mutex

	ttl        time.Duration
	maxEntries int
	entries    map[string]proofEntry
}

func newProofResponseCache(ttl time.Duration, maxEntries int) *proofResponseCache {
	return &proofResponseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]proofEntry),
	}
}

func (c *proofResponseCache) Get(key string, now time.Time) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastSeen = now
	c.entries[key] = e
	return append([]byte(nil), e.body...), true
}

func (c *proofResponseCache) Set(key string, body []byte, now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpired(now)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOne()
	}

	c.entries[key] = proofEntry{
		body:      append([]byte(nil), body...),
		expiresAt: now.Add(c.ttl),
		lastSeen:  now,
	}
}

func (c *proofResponseCache) pruneExpired(now time.Time) {
	for k, v := range c.entries {
		if !now.Before(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *proofResponseCache) evictOne() {
	var evictKey string
	var oldest time.Time
	first := true
	for k, v := range c.entries {
		if first || v.lastSeen.Before(oldest) {
			first = false
			oldest = v.lastSeen
			evictKey = k
		}
	}
	if evictKey != "" {
		delete(c.entries, evictKey)
	}
}

func proofCacheKey(kind commitment.Kind, id int64) string {
	return string(kind) + "|" + strconv.FormatInt(id, 10)
}
