package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envProvider struct{}

func (envProvider) Get(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty env ref", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(ref))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, ref)
	}
	return v, nil
}
