package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/store"
	"github.com/gocomet/ride-coordination/pkg/cleanup"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

// storeAcceptor commits the accept directly against the store
type storeAcceptor struct {
	store trip.Store
}

func (a storeAcceptor) Accept(ctx context.Context, driver *user.User, id string, loc *trip.Location) (*trip.Trip, error) {
	status := trip.StatusAccepted
	return a.store.Update(ctx, id, trip.Patch{Status: &status, DriverID: &driver.ID, DriverLocation: loc}, trip.StatusSearching)
}

func driver(id string) *user.User {
	return &user.User{ID: id, DisplayName: "Driver " + id, Role: user.RoleDriver}
}

func newSearching(riderID string, fare float64, created time.Time) *trip.Trip {
	commission := fare * 0.05
	return &trip.Trip{
		RiderID:            riderID,
		RiderName:          "Ana",
		Origin:             "Zona Colonial",
		Destination:        "Piantini",
		DistanceKm:         fare / 30,
		FareTotal:          fare,
		PlatformCommission: commission,
		DriverEarnings:     fare - commission,
		Status:             trip.StatusSearching,
		CreatedAt:          created,
	}
}

type env struct {
	ctx      context.Context
	store    *store.Memory
	registry *cleanup.Registry
	manager  *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	registry := cleanup.New()
	return &env{
		ctx:      context.Background(),
		store:    mem,
		registry: registry,
		manager:  NewManager(mem, storeAcceptor{mem}, 0.05, registry, logger.NewNop()),
	}
}

func (e *env) create(t *testing.T, fare float64, created time.Time) string {
	t.Helper()
	id, err := e.store.Create(e.ctx, newSearching("rider-1", fare, created))
	require.NoError(t, err)
	return id
}

func waitOffers(t *testing.T, l *Listener, n int) []Offer {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.Offers()) == n }, time.Second, 5*time.Millisecond)
	return l.Offers()
}

func TestListener_TracksSearchingTrips(t *testing.T) {
	e := newEnv(t)
	now := time.Now()
	first := e.create(t, 300, now)

	l, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	defer l.Stop()

	offers := waitOffers(t, l, 1)
	assert.Equal(t, first, offers[0].TripID)
	assert.Equal(t, 285.0, offers[0].DriverEarnings)

	second := e.create(t, 100, now.Add(time.Second))
	offers = waitOffers(t, l, 2)
	assert.Equal(t, first, offers[0].TripID, "oldest first")
	assert.Equal(t, second, offers[1].TripID)
	assert.Equal(t, 95.0, offers[1].DriverEarnings)

	_, err = storeAcceptor{e.store}.Accept(e.ctx, driver("d9"), first, nil)
	require.NoError(t, err)
	offers = waitOffers(t, l, 1)
	assert.Equal(t, second, offers[0].TripID)
}

func TestListener_UpdatesChannel(t *testing.T) {
	e := newEnv(t)
	l, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)

	e.create(t, 300, time.Now())
	require.Eventually(t, func() bool {
		select {
		case list := <-l.Updates():
			return len(list) == 1
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	e.manager.GoOffline("d1")
	_, open := <-l.Updates()
	for open {
		_, open = <-l.Updates()
	}
	assert.False(t, open)
}

func TestListener_DeclineIsLocal(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, 300, time.Now())

	l1, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	l2, err := e.manager.GoOnline(e.ctx, driver("d2"))
	require.NoError(t, err)
	waitOffers(t, l1, 1)
	waitOffers(t, l2, 1)

	l1.Decline(id)
	assert.Empty(t, l1.Offers())

	// a later write to the trip must not resurface it for d1
	_, err = e.store.Update(e.ctx, id, trip.Patch{RiderLocation: &trip.Location{Lat: 18.48, Lng: -69.93}})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l1.Offers())
	assert.Len(t, l2.Offers(), 1)

	cur, err := e.store.Get(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusSearching, cur.Status)
}

func TestManager_AcceptWinStopsListener(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, 300, time.Now())

	var hooked *trip.Trip
	e.manager.OnAccepted(func(_ context.Context, _ *user.User, accepted *trip.Trip) { hooked = accepted })

	l, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	waitOffers(t, l, 1)
	require.Equal(t, 1, e.manager.Online())

	won, err := e.manager.Accept(e.ctx, driver("d1"), id, nil)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusAccepted, won.Status)
	assert.Equal(t, 0, e.manager.Online())
	require.NotNil(t, hooked)
	assert.Equal(t, id, hooked.ID)
	assert.Zero(t, e.registry.Len())

	_, err = l.Accept(e.ctx, id, nil)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestManager_AcceptLostRaceKeepsListening(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, 300, time.Now())

	l, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	defer l.Stop()
	waitOffers(t, l, 1)

	_, err = storeAcceptor{e.store}.Accept(e.ctx, driver("d2"), id, nil)
	require.NoError(t, err)

	_, err = e.manager.Accept(e.ctx, driver("d1"), id, nil)
	assert.ErrorIs(t, err, ErrNoLongerAvailable)
	assert.ErrorIs(t, err, trip.ErrStaleState)
	assert.Equal(t, 1, e.manager.Online())

	next := e.create(t, 150, time.Now())
	offers := waitOffers(t, l, 1)
	assert.Equal(t, next, offers[0].TripID)
}

func TestManager_GoOffline(t *testing.T) {
	e := newEnv(t)
	l, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)

	again, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	assert.Same(t, l, again)
	assert.Equal(t, 1, e.store.Subscribers())

	e.manager.GoOffline("d1")
	assert.Equal(t, 0, e.manager.Online())
	assert.Equal(t, 0, e.store.Subscribers())
	assert.Zero(t, e.registry.Len())

	e.create(t, 300, time.Now())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.Offers())

	e.manager.GoOffline("d1")
}

func TestManager_RegistryFlushTakesDriversOffline(t *testing.T) {
	e := newEnv(t)
	_, err := e.manager.GoOnline(e.ctx, driver("d1"))
	require.NoError(t, err)
	_, err = e.manager.GoOnline(e.ctx, driver("d2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pool:d1", "pool:d2"}, e.registry.Names())

	e.registry.Flush()
	assert.Equal(t, 0, e.manager.Online())
	assert.Equal(t, 0, e.store.Subscribers())

	_, err = e.manager.GoOnline(e.ctx, driver("d3"))
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 0, e.manager.Online())
}

func TestManager_RidersCannotGoOnline(t *testing.T) {
	e := newEnv(t)
	_, err := e.manager.GoOnline(e.ctx, &user.User{ID: "r1", Role: user.RoleRider})
	assert.ErrorIs(t, err, trip.ErrForbidden)
}
