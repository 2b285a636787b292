// Package proofarchive persists the wire-form inclusion proof of each
// included commitment, keyed by kind and leaf index. The store backing it is
// S3 in deployments and an in-memory map in tests and local runs.
package proofarchive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	proofContentType = "application/json"

	defaultMaxProofSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("proofarchive: invalid config")
	ErrInvalidRef    = errors.New("proofarchive: invalid proof ref")
	ErrNotFound      = errors.New("proofarchive: proof not found")
	ErrTooLarge      = errors.New("proofarchive: proof too large")
)

// Archive stores one proof object per included commitment. PutProof
// overwrites: proofs are immutable once a row is included, so a rewrite can
// only carry the same bytes.
type Archive interface {
	PutProof(ctx context.Context, kind commitment.Kind, leafIndex uint64, proof []byte) error
	GetProof(ctx context.Context, kind commitment.Kind, leafIndex uint64) ([]byte, error)
}

// Key returns the object key of one included commitment's proof, relative to
// the archive prefix.
func Key(kind commitment.Kind, leafIndex uint64) string {
	return fmt.Sprintf("commitments/%s/%d/proof.json", kind, leafIndex)
}

type Config struct {
	Driver string

	// Prefix is prepended to every proof key.
	Prefix string

	// MaxProofSize bounds bytes returned by the s3 driver's GetProof.
	// Defaults to 16 MiB when <= 0. The memory driver does not apply it.
	MaxProofSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Archive, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		return &memoryArchive{
			prefix: cleanPrefix(cfg.Prefix),
			proofs: make(map[string][]byte),
		}, nil
	case DriverS3, "":
		return newS3Archive(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func proofRef(prefix string, kind commitment.Kind, leafIndex uint64) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, kind)
	}
	ref := Key(kind, leafIndex)
	if prefix != "" {
		ref = prefix + "/" + ref
	}
	return ref, nil
}

func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

type memoryArchive struct {
	mu     sync.RWMutex
	prefix string
	proofs map[string][]byte
}

func (m *memoryArchive) PutProof(_ context.Context, kind commitment.Kind, leafIndex uint64, proof []byte) error {
	ref, err := proofRef(m.prefix, kind, leafIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.proofs[ref] = append([]byte(nil), proof...)
	m.mu.Unlock()
	return nil
}

func (m *memoryArchive) GetProof(_ context.Context, kind commitment.Kind, leafIndex uint64) ([]byte, error) {
	ref, err := proofRef(m.prefix, kind, leafIndex)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	proof, ok := m.proofs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), proof...), nil
}

type s3Archive struct {
	client       S3Client
	bucket       string
	prefix       string
	maxProofSize int64
}

func newS3Archive(cfg Config) (Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}

	maxProof := cfg.MaxProofSize
	if maxProof <= 0 {
		maxProof = defaultMaxProofSize
	}

	return &s3Archive{
		client:       cfg.S3Client,
		bucket:       bucket,
		prefix:       cleanPrefix(cfg.Prefix),
		maxProofSize: maxProof,
	}, nil
}

func (a *s3Archive) PutProof(ctx context.Context, kind commitment.Kind, leafIndex uint64, proof []byte) error {
	ref, err := proofRef(a.prefix, kind, leafIndex)
	if err != nil {
		return err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ref),
		Body:        bytes.NewReader(proof),
		ContentType: aws.String(proofContentType),
	})
	if err != nil {
		return fmt.Errorf("proofarchive: put %q: %w", ref, err)
	}
	return nil
}

func (a *s3Archive) GetProof(ctx context.Context, kind commitment.Kind, leafIndex uint64) ([]byte, error) {
	ref, err := proofRef(a.prefix, kind, leafIndex)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("proofarchive: get %q: %w", ref, err)
	}
	defer func() { _ = out.Body.Close() }()

	proof, err := io.ReadAll(io.LimitReader(out.Body, a.maxProofSize+1))
	if err != nil {
		return nil, fmt.Errorf("proofarchive: read %q: %w", ref, err)
	}
	if int64(len(proof)) > a.maxProofSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, ref, a.maxProofSize)
	}
	return proof, nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
