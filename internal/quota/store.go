package quota

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MutateFunc edits a quota loaded under an exclusive row lock. Returning an
// error aborts the transaction and nothing is persisted.
type MutateFunc func(q *Quota) error

// Store is the durable quota record store.
//
// UpdateLocked and UpdateByIDLocked hold an exclusive lock on the row for the
// whole read-modify-write. Concurrent callers for the same row block until the
// holder commits or rolls back and then observe the committed state. Every
// persisted mutation increments Version.
type Store interface {
	Create(ctx context.Context, q *Quota) error
	GetByID(ctx context.Context, id uuid.UUID) (*Quota, error)

	// FindByUser returns the user's live quota, or when there is none the most
	// recently created quota of any status. ErrQuotaNotFound if the user has
	// no quota at all.
	FindByUser(ctx context.Context, userID uuid.UUID) (*Quota, error)

	UpdateLocked(ctx context.Context, userID uuid.UUID, fn MutateFunc) (*Quota, error)
	UpdateByIDLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) (*Quota, error)

	// MarkExpired moves a live quota to expired. It reports false when the
	// quota was no longer live, which makes repeated calls harmless.
	MarkExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	ListLive(ctx context.Context) ([]*Quota, error)

	// ResetUsage zeroes the given usage keys on every live quota, stamps
	// Usage.LastUpdatedAt with now and leaves other fields alone. It returns
	// the changed records.
	ResetUsage(ctx context.Context, keys []string, now time.Time) ([]*Quota, error)

	// ExpireStale moves every live quota whose validity ended before now to
	// expired and returns the transitioned records.
	ExpireStale(ctx context.Context, now time.Time) ([]*Quota, error)
}
