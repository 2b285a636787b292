// Package secrets resolves operator-supplied secret references, primarily
// the Postgres DSN handed to the sequencer binaries.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverAWS = "aws"
	DriverEnv = "env"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider fetches one secret value by reference. The reference shape is
// driver-specific: an env var name or an AWS secret id/ARN.
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Open returns the provider for a driver name. The empty driver means env.
func Open(ctx context.Context, driver string) (Provider, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case DriverAWS:
		return newAWSProvider(ctx)
	case DriverEnv, "":
		return envProvider{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// ResolveDSN returns the connection string for a binary's --postgres-dsn /
// --postgres-dsn-secret flag pair. An empty ref means dsn is used literally.
// Otherwise the named driver's provider is opened and the secret resolved;
// secrets holding a JSON object use their "dsn" field, so one AWS secret can
// carry the DSN next to other connection material.
func ResolveDSN(ctx context.Context, driver, dsn, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		dsn = strings.TrimSpace(dsn)
		if dsn == "" {
			return "", fmt.Errorf("%w: no dsn and no secret ref", ErrInvalidConfig)
		}
		return dsn, nil
	}

	p, err := Open(ctx, driver)
	if err != nil {
		return "", err
	}
	v, err := p.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("secrets: resolve dsn ref %q: %w", ref, err)
	}
	return dsnFromSecret(v)
}

// dsnFromSecret unwraps JSON-object secrets; plain strings pass through.
func dsnFromSecret(v string) (string, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "{") {
		return v, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(v), &fields); err != nil {
		// Not an object after all; a DSN cannot start with "{" though.
		return "", fmt.Errorf("%w: secret is neither a dsn nor a JSON object", ErrInvalidConfig)
	}
	raw, ok := fields["dsn"]
	if !ok {
		return "", fmt.Errorf("%w: JSON secret has no \"dsn\" field", ErrInvalidConfig)
	}
	var dsn string
	if err := json.Unmarshal(raw, &dsn); err != nil || strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("%w: JSON secret \"dsn\" field is not a non-empty string", ErrInvalidConfig)
	}
	return strings.TrimSpace(dsn), nil
}
