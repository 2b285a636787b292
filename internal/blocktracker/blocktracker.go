// Package blocktracker records the last processed block per external event
// source, so chain watchers resume where they stopped instead of rescanning.
package blocktracker

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("blocktracker: invalid input")
	ErrNotFound     = errors.New("blocktracker: not found")
)

// Store persists one cursor per named event source.
type Store interface {
	// Set records the last processed block for key, overwriting any
	// previous value.
	Set(ctx context.Context, key string, block uint64) error
	// Get returns the cursor for key, or ErrNotFound if none was recorded.
	Get(ctx context.Context, key string) (uint64, error)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	return nil
}
