// Package storage persists per-session view state records.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is one session's serialized view state.
type Record struct {
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// Store keeps the latest record per session id.
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
}

var errEmptyID = errors.New("session id cannot be empty")

// validateID restricts ids to characters that are safe inside a Redis key.
func validateID(id string) error {
	if id == "" {
		return errEmptyID
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid session id %q: only alphanumeric, hyphens, and underscores allowed", id)
		}
	}
	return nil
}
