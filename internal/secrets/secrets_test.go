package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestResolveDSN_LiteralWhenNoRef(t *testing.T) {
	t.Parallel()

	got, err := ResolveDSN(context.Background(), DriverEnv, "  postgres://localhost/sequencer  ", "")
	if err != nil {
		t.Fatalf("ResolveDSN: %v", err)
	}
	if got != "postgres://localhost/sequencer" {
		t.Fatalf("dsn: got %q", got)
	}
}

func TestResolveDSN_EmptyEverything(t *testing.T) {
	t.Parallel()

	if _, err := ResolveDSN(context.Background(), DriverEnv, "", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

func TestResolveDSN_EnvRef(t *testing.T) {
	t.Setenv("SEQUENCER_TEST_DSN", "postgres://env/sequencer")

	got, err := ResolveDSN(context.Background(), DriverEnv, "", "SEQUENCER_TEST_DSN")
	if err != nil {
		t.Fatalf("ResolveDSN: %v", err)
	}
	if got != "postgres://env/sequencer" {
		t.Fatalf("dsn: got %q", got)
	}
}

func TestResolveDSN_EnvRefMissing(t *testing.T) {
	t.Setenv("SEQUENCER_TEST_DSN", "")

	if _, err := ResolveDSN(context.Background(), DriverEnv, "ignored", "SEQUENCER_TEST_DSN"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestResolveDSN_JSONSecret(t *testing.T) {
	t.Setenv("SEQUENCER_TEST_DSN", `{"dsn":"postgres://json/sequencer","password":"x"}`)

	got, err := ResolveDSN(context.Background(), DriverEnv, "", "SEQUENCER_TEST_DSN")
	if err != nil {
		t.Fatalf("ResolveDSN: %v", err)
	}
	if got != "postgres://json/sequencer" {
		t.Fatalf("dsn: got %q", got)
	}
}

func TestResolveDSN_JSONSecretWithoutDSNField(t *testing.T) {
	t.Setenv("SEQUENCER_TEST_DSN", `{"password":"x"}`)

	if _, err := ResolveDSN(context.Background(), DriverEnv, "", "SEQUENCER_TEST_DSN"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

type fakeSecretsManager struct {
	out *secretsmanager.GetSecretValueOutput
	err error

	gotID string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gotID = aws.ToString(params.SecretId)
	return f.out, f.err
}

func TestAWSProvider_Get(t *testing.T) {
	t.Parallel()

	client := &fakeSecretsManager{
		out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(" postgres://aws/sequencer ")},
	}
	p := awsProvider{client: client}

	got, err := p.Get(context.Background(), "sequencer/postgres")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://aws/sequencer" {
		t.Fatalf("value: got %q", got)
	}
	if client.gotID != "sequencer/postgres" {
		t.Fatalf("secret id: got %q", client.gotID)
	}
}

func TestAWSProvider_GetBinaryFallback(t *testing.T) {
	t.Parallel()

	p := awsProvider{client: &fakeSecretsManager{
		out: &secretsmanager.GetSecretValueOutput{SecretBinary: []byte("postgres://bin/sequencer")},
	}}

	got, err := p.Get(context.Background(), "sequencer/postgres")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://bin/sequencer" {
		t.Fatalf("value: got %q", got)
	}
}

func TestAWSProvider_GetEmptySecret(t *testing.T) {
	t.Parallel()

	p := awsProvider{client: &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{}}}
	if _, err := p.Get(context.Background(), "sequencer/postgres"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}
