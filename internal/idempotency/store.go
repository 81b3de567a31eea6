// Package idempotency remembers the outcome of requests carrying an
// Idempotency-Key so retries replay the first result instead of repeating
// side effects.
package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// HeaderName is the request header carrying the key.
const HeaderName = "Idempotency-Key"

// DefaultTTL is how long keys are remembered.
const DefaultTTL = 24 * time.Hour

// State of a reserved key.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Record is what the store keeps per key.
type Record struct {
	State     State           `json:"state"`
	Status    int             `json:"status,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store reserves keys and records their final response.
type Store interface {
	// Reserve claims key. When the key already exists it returns the
	// existing record and false.
	Reserve(ctx context.Context, key string) (*Record, bool, error)
	// Complete stores the response for a reserved key.
	Complete(ctx context.Context, key string, status int, body []byte) error
	// Release forgets key so the request can be retried.
	Release(ctx context.Context, key string) error
}
