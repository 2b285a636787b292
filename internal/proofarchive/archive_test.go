package proofarchive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/zeroxbridge/sequencer-go/internal/commitment"
)

func TestKey_Layout(t *testing.T) {
	t.Parallel()

	got := Key(commitment.KindDeposit, 42)
	if got != "commitments/deposit/42/proof.json" {
		t.Fatalf("key: got %q", got)
	}
	got = Key(commitment.KindWithdrawal, 0)
	if got != "commitments/withdrawal/0/proof.json" {
		t.Fatalf("key: got %q", got)
	}
}

func TestMemoryArchive_RoundTrip(t *testing.T) {
	t.Parallel()

	arch, err := New(Config{Driver: DriverMemory, Prefix: "/staging/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	proof := []byte(`{"leaf_index":7}`)
	if err := arch.PutProof(ctx, commitment.KindDeposit, 7, proof); err != nil {
		t.Fatalf("PutProof: %v", err)
	}

	got, err := arch.GetProof(ctx, commitment.KindDeposit, 7)
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if !bytes.Equal(got, proof) {
		t.Fatalf("proof mismatch: got %q want %q", got, proof)
	}

	// Mutating the returned slice must not corrupt the stored proof.
	got[0] = 'X'
	again, err := arch.GetProof(ctx, commitment.KindDeposit, 7)
	if err != nil {
		t.Fatalf("GetProof again: %v", err)
	}
	if !bytes.Equal(again, proof) {
		t.Fatalf("stored proof mutated: got %q", again)
	}
}

func TestMemoryArchive_MissingProof(t *testing.T) {
	t.Parallel()

	arch, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := arch.GetProof(context.Background(), commitment.KindWithdrawal, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProof: got %v want ErrNotFound", err)
	}
}

func TestArchive_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	arch, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := arch.PutProof(context.Background(), commitment.Kind("bogus"), 0, []byte("{}")); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("PutProof: got %v want ErrInvalidRef", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Driver: "ipfs"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unsupported driver: got %v want ErrInvalidConfig", err)
	}
	if _, err := New(Config{Driver: DriverS3}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing bucket: got %v want ErrInvalidConfig", err)
	}
	if _, err := New(Config{Driver: DriverS3, Bucket: "sequencer-proofs"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing client: got %v want ErrInvalidConfig", err)
	}
}

type fakeS3 struct {
	putInput *s3.PutObjectInput
	putErr   error

	getBody []byte
	getErr  error
	gotKey  string
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putInput = params
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(params.Key)
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.getBody))}, nil
}

type fakeAPIError struct {
	code string
}

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestS3Archive_PutProof(t *testing.T) {
	t.Parallel()

	client := &fakeS3{}
	arch, err := New(Config{
		Driver:   DriverS3,
		Bucket:   "sequencer-proofs",
		Prefix:   "prod",
		S3Client: client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	proof := []byte(`{"mmr_size":3}`)
	if err := arch.PutProof(context.Background(), commitment.KindDeposit, 1, proof); err != nil {
		t.Fatalf("PutProof: %v", err)
	}

	in := client.putInput
	if in == nil {
		t.Fatalf("PutObject not called")
	}
	if got := aws.ToString(in.Bucket); got != "sequencer-proofs" {
		t.Fatalf("bucket: got %q", got)
	}
	if got := aws.ToString(in.Key); got != "prod/commitments/deposit/1/proof.json" {
		t.Fatalf("key: got %q", got)
	}
	if got := aws.ToString(in.ContentType); got != "application/json" {
		t.Fatalf("content type: got %q", got)
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		t.Fatalf("read put body: %v", err)
	}
	if !bytes.Equal(body, proof) {
		t.Fatalf("body mismatch: got %q", body)
	}
}

func TestS3Archive_GetProof(t *testing.T) {
	t.Parallel()

	client := &fakeS3{getBody: []byte(`{"leaf_index":9}`)}
	arch, err := New(Config{Driver: DriverS3, Bucket: "sequencer-proofs", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := arch.GetProof(context.Background(), commitment.KindWithdrawal, 9)
	if err != nil {
		t.Fatalf("GetProof: %v", err)
	}
	if !bytes.Equal(got, client.getBody) {
		t.Fatalf("proof mismatch: got %q", got)
	}
	if client.gotKey != "commitments/withdrawal/9/proof.json" {
		t.Fatalf("key: got %q", client.gotKey)
	}
}

func TestS3Archive_GetProofNotFound(t *testing.T) {
	t.Parallel()

	client := &fakeS3{getErr: &fakeAPIError{code: "NoSuchKey"}}
	arch, err := New(Config{Driver: DriverS3, Bucket: "sequencer-proofs", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := arch.GetProof(context.Background(), commitment.KindDeposit, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetProof: got %v want ErrNotFound", err)
	}
}

func TestS3Archive_GetProofTooLarge(t *testing.T) {
	t.Parallel()

	client := &fakeS3{getBody: []byte(strings.Repeat("a", 33))}
	arch, err := New(Config{
		Driver:       DriverS3,
		Bucket:       "sequencer-proofs",
		MaxProofSize: 32,
		S3Client:     client,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := arch.GetProof(context.Background(), commitment.KindDeposit, 0); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("GetProof: got %v want ErrTooLarge", err)
	}
}
