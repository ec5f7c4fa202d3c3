package trip

import (
	"context"

	"github.com/gocomet/ride-coordination/internal/domain/user"
)

// ChangeKind describes how a document relates to a subscription's filter.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is delivered to subscribers. Trip is a private copy.
type Change struct {
	Kind ChangeKind
	Trip *Trip
}

// Unsubscribe cancels a subscription. It never blocks, so it may be called
// from inside the subscription's own callback, and is safe to call more than
// once. Changes not yet dispatched are dropped; a callback already running
// may finish.
type Unsubscribe func()

// Store is the typed document store for trips.
//
// Every subscription first delivers the matching documents as ChangeAdded,
// then one Change per committed write in commit order.
type Store interface {
	Create(ctx context.Context, t *Trip) (string, error)
	Get(ctx context.Context, id string) (*Trip, error)
	// Update applies patch only if the current status is one of expected.
	// With no expected statuses the write is unconditional. A failed guard
	// returns *StaleStateError.
	Update(ctx context.Context, id string, patch Patch, expected ...Status) (*Trip, error)
	ListByOwner(ctx context.Context, ownerID string, role user.Role) ([]*Trip, error)

	SubscribeOne(ctx context.Context, id string, fn func(Change)) (Unsubscribe, error)
	SubscribeByStatus(ctx context.Context, status Status, fn func(Change)) (Unsubscribe, error)
	SubscribeByOwner(ctx context.Context, ownerID string, role user.Role, fn func(Change)) (Unsubscribe, error)
}

// OwnedBy reports whether t belongs to ownerID acting in role.
func OwnedBy(t *Trip, ownerID string, role user.Role) bool {
	switch role {
	case user.RoleRider:
		return t.RiderID == ownerID
	case user.RoleDriver:
		return t.DriverID != "" && t.DriverID == ownerID
	}
	return false
}
