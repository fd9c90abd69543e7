package ports

import (
	"context"

	"collabtext/collabd/internal/domain"
)

// Ownership names the instance that holds a document's authoritative session.
type Ownership struct {
	Instance  string
	SessionID string
	// Acquired is true when the calling instance just became the owner.
	Acquired bool
}

// Coordinator connects session managers running in different processes.
type Coordinator interface {
	InstanceID() string

	// Acquire claims documentID for sessionID unless another live instance
	// already owns it, in which case the current owner is returned.
	Acquire(ctx context.Context, documentID, sessionID string) (Ownership, error)
	Refresh(ctx context.Context, documentID, sessionID string) error
	Release(ctx context.Context, documentID, sessionID string) error
	Alive(ctx context.Context, instanceID string) (bool, error)

	// Publish fans ev out to every instance subscribed to its session.
	Publish(ctx context.Context, ev domain.Event) error
	Subscribe(ctx context.Context, sessionID string) error
	Unsubscribe(ctx context.Context, sessionID string) error

	// Forward sends req to the owning instance and waits for its response.
	Forward(ctx context.Context, instanceID string, req domain.ForwardRequest) (domain.ForwardResponse, error)

	// Start begins delivering events and forwarded requests to h.
	Start(ctx context.Context, h CoordinationHandler) error
	Close() error
}

type CoordinationHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event)
	HandleForward(ctx context.Context, req domain.ForwardRequest) domain.ForwardResponse
}
