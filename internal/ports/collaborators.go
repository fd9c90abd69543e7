package ports

import (
	"context"
	"time"

	"collabtext/collabd/internal/domain"
)

// Authorizer decides whether a principal may edit a document. It is consulted
// once per join.
type Authorizer interface {
	CanAccess(ctx context.Context, documentID, principalID string) (bool, error)
}

// DocumentStore owns snapshot checkpoints of documents. LoadSnapshot returns
// domain.ErrNoSnapshot for a document that was never checkpointed.
type DocumentStore interface {
	LoadSnapshot(ctx context.Context, documentID string) (domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error
}

// IdentityResolver maps a principal to a display identity.
type IdentityResolver interface {
	DisplayName(ctx context.Context, principalID string) (string, error)
}

// ChangeStore is the append-only change record log. AppendChanges must be
// idempotent on (SessionID, Version) so that retried flushes are safe.
type ChangeStore interface {
	AppendChanges(ctx context.Context, records []domain.ChangeRecord) error
	LoadSince(ctx context.Context, documentID string, afterVersion int64) ([]domain.ChangeRecord, error)
}

// ChangeLog accepts records and checkpoints without blocking. A false return
// means the item was not queued. PendingFor counts the items of a document
// accepted but not yet durable.
type ChangeLog interface {
	Append(record domain.ChangeRecord) bool
	Checkpoint(snapshot domain.Snapshot) bool
	Healthy() bool
	PendingFor(documentID string) int
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}
