package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
)

// Memory is an in-process trip store. Writes are serialized by one mutex,
// which makes every guarded update a compare-and-swap.
type Memory struct {
	mu    sync.RWMutex
	trips map[string]*trip.Trip
	hub   *hub
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		trips: make(map[string]*trip.Trip),
		hub:   newHub(),
	}
}

var _ trip.Store = (*Memory)(nil)

// Create stores a copy of t and returns its id
func (m *Memory) Create(ctx context.Context, t *trip.Trip) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := t.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.trips[c.ID]; exists {
		m.mu.Unlock()
		return "", trip.ErrInvalidTrip
	}
	m.trips[c.ID] = c
	m.hub.publish(nil, c)
	m.mu.Unlock()

	return c.ID, nil
}

// Get returns a copy of the trip
func (m *Memory) Get(ctx context.Context, id string) (*trip.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, trip.ErrTripNotFound
	}
	return t.Clone(), nil
}

// Update applies patch when the current status is in expected
func (m *Memory) Update(ctx context.Context, id string, patch trip.Patch, expected ...trip.Status) (*trip.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.trips[id]
	if !ok {
		return nil, trip.ErrTripNotFound
	}
	if len(expected) > 0 && !slices.Contains(expected, cur.Status) {
		return nil, &trip.StaleStateError{TripID: id, Expected: expected, Actual: cur.Status}
	}

	next := cur.Clone()
	patch.Apply(next)
	m.trips[id] = next
	// publish under the write lock so subscribers observe commit order
	m.hub.publish(cur, next)

	return next.Clone(), nil
}

// ListByOwner returns the owner's trips, newest first
func (m *Memory) ListByOwner(ctx context.Context, ownerID string, role user.Role) ([]*trip.Trip, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*trip.Trip
	for _, t := range m.trips {
		if trip.OwnedBy(t, ownerID, role) {
			out = append(out, t.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// SubscribeOne watches a single trip
func (m *Memory) SubscribeOne(ctx context.Context, id string, fn func(trip.Change)) (trip.Unsubscribe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hub.subscribe(matchID(id), fn, func() ([]*trip.Trip, error) {
		t, ok := m.trips[id]
		if !ok {
			return nil, trip.ErrTripNotFound
		}
		return []*trip.Trip{t}, nil
	})
}

// SubscribeByStatus watches every trip currently in status
func (m *Memory) SubscribeByStatus(ctx context.Context, status trip.Status, fn func(trip.Change)) (trip.Unsubscribe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hub.subscribe(matchStatus(status), fn, m.snapshot)
}

// SubscribeByOwner watches every trip owned by ownerID in role
func (m *Memory) SubscribeByOwner(ctx context.Context, ownerID string, role user.Role, fn func(trip.Change)) (trip.Unsubscribe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hub.subscribe(matchOwner(ownerID, role), fn, m.snapshot)
}

// Subscribers returns the number of live subscriptions
func (m *Memory) Subscribers() int {
	return m.hub.len()
}

// Close cancels all subscriptions
func (m *Memory) Close() error {
	m.hub.closeAll()
	return nil
}

// snapshot must be called with m.mu held
func (m *Memory) snapshot() ([]*trip.Trip, error) {
	out := make([]*trip.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchID(id string) func(*trip.Trip) bool {
	return func(t *trip.Trip) bool { return t.ID == id }
}

func matchStatus(status trip.Status) func(*trip.Trip) bool {
	return func(t *trip.Trip) bool { return t.Status == status }
}

func matchOwner(ownerID string, role user.Role) func(*trip.Trip) bool {
	return func(t *trip.Trip) bool { return trip.OwnedBy(t, ownerID, role) }
}

func sortNewestFirst(trips []*trip.Trip) {
	sort.Slice(trips, func(i, j int) bool { return trips[i].CreatedAt.After(trips[j].CreatedAt) })
}
