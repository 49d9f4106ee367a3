// Package storage provides interfaces and implementations for storing
// web push subscriptions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wafflemaker/webpush"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record represents a stored subscription with metadata.
type Record struct {
	ID           string                `json:"id"`
	UserID       string                `json:"user_id,omitempty"`
	Subscription *webpush.Subscription `json:"subscription"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Storage defines the interface for storing web push subscriptions.
//
// Endpoints are unique. Saving a record whose endpoint is already stored
// updates that record in place: its owner and keys are replaced while its
// ID and CreatedAt are kept and written back into the argument.
type Storage interface {
	// Save stores or updates a subscription.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user, oldest first.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// CountByUserID returns how many subscriptions a user has.
	CountByUserID(ctx context.Context, userID string) (int, error)

	// Delete removes a subscription by ID.
	Delete(ctx context.Context, id string) error

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns all subscriptions with pagination, newest first.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}

// prepare fills in the ID and timestamps of a record about to be saved.
func prepare(record *Record, now time.Time) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

func copyRecord(r *Record) *Record {
	out := *r
	if r.Subscription != nil {
		sub := *r.Subscription
		out.Subscription = &sub
	}
	return &out
}
