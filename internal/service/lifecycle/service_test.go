package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/events"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/internal/store"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.TripEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e events.TripEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) kinds() []trip.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]trip.Event, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

type fixture struct {
	svc       *Service
	store     *store.Memory
	pricing   *pricing.Service
	publisher *capturePublisher
	clock     *fakeClock
	rider     *user.User
	driver    *user.User
	other     *user.User
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	prices := pricing.NewService(pricing.DefaultConfig(), pricing.NewMemoryQuoteStore(), nil, log)
	validator := geo.NewValidator(geo.DefaultValidatorConfig(), clock.Now)
	pub := &capturePublisher{}

	return &fixture{
		svc:       NewService(mem, prices, validator, pub, log, WithClock(clock.Now)),
		store:     mem,
		pricing:   prices,
		publisher: pub,
		clock:     clock,
		rider:     &user.User{ID: "rider-1", DisplayName: "Ana", Phone: "809-555-0101", Role: user.RoleRider},
		driver:    &user.User{ID: "driver-1", DisplayName: "Luis", Phone: "809-555-0202", Role: user.RoleDriver},
		other:     &user.User{ID: "driver-2", DisplayName: "Pedro", Role: user.RoleDriver},
	}
}

func (f *fixture) createTrip(t *testing.T) *trip.Trip {
	t.Helper()
	q, err := f.pricing.Quote(context.Background(), f.rider.ID, 10)
	require.NoError(t, err)
	created, err := f.svc.Create(context.Background(), f.rider, CreateRequest{
		FareID:      q.FareID,
		Origin:      "Zona Colonial",
		Destination: "Piantini",
	})
	require.NoError(t, err)
	return created
}

func TestService_HappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := f.createTrip(t)
	assert.Equal(t, trip.StatusSearching, created.Status)
	assert.Equal(t, 300.0, created.FareTotal)
	assert.Equal(t, 15.0, created.PlatformCommission)
	assert.Equal(t, 285.0, created.DriverEarnings)
	assert.True(t, created.FareBalanced())

	f.clock.Advance(time.Minute)
	fix := &trip.Location{Lat: 18.4702, Lng: -69.8891, AccuracyMeters: 8, SampledAtMs: f.clock.Now().UnixMilli()}
	accepted, err := f.svc.Accept(ctx, f.driver, created.ID, fix)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusAccepted, accepted.Status)
	assert.Equal(t, f.driver.ID, accepted.DriverID)
	assert.Equal(t, "Luis", accepted.DriverName)
	require.NotNil(t, accepted.AcceptedAt)
	require.NotNil(t, accepted.DriverLocation)

	f.clock.Advance(5 * time.Minute)
	arrived, err := f.svc.Arrive(ctx, f.driver, created.ID, "")
	require.NoError(t, err)
	assert.Equal(t, trip.StatusDriverArrived, arrived.Status)
	assert.Equal(t, DefaultArrivalMessage, arrived.ArrivalMessage)

	f.clock.Advance(time.Minute)
	started, err := f.svc.Start(ctx, f.driver, created.ID)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusInProgress, started.Status)

	f.clock.Advance(20 * time.Minute)
	done, err := f.svc.Complete(ctx, f.driver, created.ID)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.CancelledAt)
	assert.True(t, done.CompletedAt.After(*done.StartedAt))

	assert.Equal(t,
		[]trip.Event{trip.EventCreate, trip.EventAccept, trip.EventArrive, trip.EventStart, trip.EventComplete},
		f.publisher.kinds())

	earnings, err := f.svc.Earnings(ctx, f.driver)
	require.NoError(t, err)
	assert.Equal(t, 1, earnings.CompletedTrips)
	assert.Equal(t, 285.0, earnings.Total)
}

func TestService_CreateRejectsInvalidFare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, f.rider, CreateRequest{FareID: "fare_unknown", Origin: "a", Destination: "b"})
	assert.ErrorIs(t, err, pricing.ErrInvalidFare)

	q, err := f.pricing.Quote(ctx, "someone-else", 5)
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.rider, CreateRequest{FareID: q.FareID, Origin: "a", Destination: "b"})
	assert.ErrorIs(t, err, pricing.ErrInvalidFare)

	_, err = f.svc.Create(ctx, f.driver, CreateRequest{FareID: q.FareID})
	assert.ErrorIs(t, err, trip.ErrForbidden)

	assert.Empty(t, f.publisher.kinds())
}

func TestService_CreateRejectsReusedFare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q, err := f.pricing.Quote(ctx, f.rider.ID, 10)
	require.NoError(t, err)

	first, err := f.svc.Create(ctx, f.rider, CreateRequest{FareID: q.FareID, Origin: "a", Destination: "b"})
	require.NoError(t, err)
	assert.Equal(t, q.FareID, first.FareID)

	_, err = f.svc.Create(ctx, f.rider, CreateRequest{FareID: q.FareID, Origin: "a", Destination: "b"})
	assert.ErrorIs(t, err, pricing.ErrInvalidFare)

	history, err := f.svc.History(ctx, f.rider)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestService_ConcurrentAcceptOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)

	drivers := []*user.User{f.driver, f.other}
	errs := make([]error, len(drivers))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d *user.User) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Accept(ctx, d, created.ID, nil)
		}(i, d)
	}
	close(start)
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, trip.ErrStaleState):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	cur, err := f.store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, trip.StatusAccepted, cur.Status)
	assert.Contains(t, []string{f.driver.ID, f.other.ID}, cur.DriverID)
}

func TestService_GuardsBeforeActorChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)

	_, err := f.svc.Start(ctx, f.driver, created.ID)
	var stale *trip.StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, trip.StatusSearching, stale.Actual)
	assert.Equal(t, []trip.Status{trip.StatusDriverArrived}, stale.Expected)

	_, err = f.svc.Complete(ctx, f.driver, created.ID)
	assert.ErrorIs(t, err, trip.ErrStaleState)

	_, err = f.svc.Accept(ctx, f.rider, created.ID, nil)
	assert.ErrorIs(t, err, trip.ErrForbidden)

	_, err = f.svc.Accept(ctx, f.driver, "missing", nil)
	assert.ErrorIs(t, err, trip.ErrTripNotFound)
}

func TestService_OnlyAssignedDriverProgresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)
	_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.Arrive(ctx, f.other, created.ID, "here")
	assert.ErrorIs(t, err, trip.ErrForbidden)

	_, err = f.svc.Cancel(ctx, f.other, created.ID)
	assert.ErrorIs(t, err, trip.ErrForbidden)

	arrived, err := f.svc.Arrive(ctx, f.driver, created.ID, "Blue Corolla at the gate")
	require.NoError(t, err)
	assert.Equal(t, "Blue Corolla at the gate", arrived.ArrivalMessage)
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("rider cancels while searching", func(t *testing.T) {
		f := newFixture(t)
		created := f.createTrip(t)
		cancelled, err := f.svc.Cancel(ctx, f.rider, created.ID)
		require.NoError(t, err)
		assert.Equal(t, trip.StatusCancelled, cancelled.Status)
		assert.Equal(t, string(user.RoleRider), cancelled.CancelledBy)
		require.NotNil(t, cancelled.CancelledAt)
		assert.Nil(t, cancelled.CompletedAt)

		_, err = f.svc.Accept(ctx, f.driver, created.ID, nil)
		assert.ErrorIs(t, err, trip.ErrStaleState)
	})

	t.Run("driver cannot cancel unassigned trip", func(t *testing.T) {
		f := newFixture(t)
		created := f.createTrip(t)
		_, err := f.svc.Cancel(ctx, f.driver, created.ID)
		assert.ErrorIs(t, err, trip.ErrStaleState)
	})

	t.Run("driver cancels after arriving", func(t *testing.T) {
		f := newFixture(t)
		created := f.createTrip(t)
		_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
		require.NoError(t, err)
		_, err = f.svc.Arrive(ctx, f.driver, created.ID, "")
		require.NoError(t, err)

		cancelled, err := f.svc.Cancel(ctx, f.driver, created.ID)
		require.NoError(t, err)
		assert.Equal(t, string(user.RoleDriver), cancelled.CancelledBy)
	})

	t.Run("rider cancels accepted trip", func(t *testing.T) {
		f := newFixture(t)
		created := f.createTrip(t)
		_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
		require.NoError(t, err)

		f.clock.Advance(time.Minute)
		cancelled, err := f.svc.Cancel(ctx, f.rider, created.ID)
		require.NoError(t, err)
		assert.Equal(t, string(user.RoleRider), cancelled.CancelledBy)
		require.NotNil(t, cancelled.CancelledAt)
		cancelledAt := *cancelled.CancelledAt

		f.clock.Advance(time.Minute)
		_, err = f.svc.Complete(ctx, f.driver, created.ID)
		assert.ErrorIs(t, err, trip.ErrStaleState)

		cur, err := f.store.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, trip.StatusCancelled, cur.Status)
		require.NotNil(t, cur.CancelledAt)
		assert.True(t, cancelledAt.Equal(*cur.CancelledAt))
		assert.Nil(t, cur.CompletedAt)
	})

	t.Run("in progress cannot be cancelled", func(t *testing.T) {
		f := newFixture(t)
		created := f.createTrip(t)
		_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
		require.NoError(t, err)
		_, err = f.svc.Arrive(ctx, f.driver, created.ID, "")
		require.NoError(t, err)
		_, err = f.svc.Start(ctx, f.driver, created.ID)
		require.NoError(t, err)

		_, err = f.svc.Cancel(ctx, f.rider, created.ID)
		assert.ErrorIs(t, err, trip.ErrStaleState)
		_, err = f.svc.Cancel(ctx, f.driver, created.ID)
		assert.ErrorIs(t, err, trip.ErrStaleState)

		cur, _ := f.store.Get(ctx, created.ID)
		assert.Equal(t, trip.StatusInProgress, cur.Status)
	})
}

func TestService_AcceptDropsInvalidLocation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		loc     func(nowMs int64) *trip.Location
		wantLoc bool
	}{
		{"emulator default fix", func(int64) *trip.Location {
			return &trip.Location{Lat: 37.4219983, Lng: -122.084, AccuracyMeters: 5000, SampledAtMs: 1}
		}, false},
		{"denylisted fresh fix", func(nowMs int64) *trip.Location {
			return &trip.Location{Lat: 37.4219983, Lng: -122.084, AccuracyMeters: 5, SampledAtMs: nowMs}
		}, false},
		{"integer coordinates", func(nowMs int64) *trip.Location {
			return &trip.Location{Lat: 18, Lng: -69.9312, AccuracyMeters: 5, SampledAtMs: nowMs}
		}, false},
		{"low accuracy", func(nowMs int64) *trip.Location {
			return &trip.Location{Lat: 18.4702, Lng: -69.8891, AccuracyMeters: 150, SampledAtMs: nowMs}
		}, false},
		{"valid fix", func(nowMs int64) *trip.Location {
			return &trip.Location{Lat: 18.4702, Lng: -69.8891, AccuracyMeters: 8, SampledAtMs: nowMs}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			created := f.createTrip(t)

			accepted, err := f.svc.Accept(ctx, f.driver, created.ID, tt.loc(f.clock.Now().UnixMilli()))
			require.NoError(t, err)
			assert.Equal(t, trip.StatusAccepted, accepted.Status)

			cur, err := f.store.Get(ctx, created.ID)
			require.NoError(t, err)
			if !tt.wantLoc {
				assert.Nil(t, cur.DriverLocation)
				return
			}
			require.NotNil(t, cur.DriverLocation)
			assert.Equal(t, 18.4702, cur.DriverLocation.Lat)
		})
	}
}

func TestService_TimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)

	f.clock.Advance(time.Minute)
	accepted, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
	require.NoError(t, err)

	// clock skew: wall clock jumps back an hour
	f.clock.Advance(-time.Hour)
	arrived, err := f.svc.Arrive(ctx, f.driver, created.ID, "")
	require.NoError(t, err)
	assert.False(t, arrived.ArrivedAt.Before(*accepted.AcceptedAt))
	assert.False(t, arrived.AcceptedAt.Before(arrived.CreatedAt))
}

func TestService_UpdateLocationWritesOwnFieldOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)
	_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
	require.NoError(t, err)

	nowMs := f.clock.Now().UnixMilli()
	riderSample := geo.Sample{Lat: 18.4861, Lng: -69.9312, AccuracyMeters: 12, CapturedAtMs: nowMs}
	updated, err := f.svc.UpdateLocation(ctx, f.rider, created.ID, riderSample)
	require.NoError(t, err)
	require.NotNil(t, updated.RiderLocation)
	assert.Nil(t, updated.DriverLocation)
	assert.Equal(t, 18.4861, updated.RiderLocation.Lat)

	driverSample := geo.Sample{Lat: 18.4702, Lng: -69.8891, AccuracyMeters: 8, CapturedAtMs: nowMs}
	updated, err = f.svc.UpdateLocation(ctx, f.driver, created.ID, driverSample)
	require.NoError(t, err)
	require.NotNil(t, updated.DriverLocation)
	assert.Equal(t, 18.4861, updated.RiderLocation.Lat, "rider field untouched")

	_, err = f.svc.UpdateLocation(ctx, f.other, created.ID, driverSample)
	assert.ErrorIs(t, err, trip.ErrForbidden)

	bad := geo.Sample{Lat: 18.4861, Lng: -69.9312, AccuracyMeters: 500, CapturedAtMs: nowMs}
	_, err = f.svc.UpdateLocation(ctx, f.rider, created.ID, bad)
	assert.ErrorIs(t, err, geo.ErrLowAccuracy)

	cur, _ := f.store.Get(ctx, created.ID)
	assert.Equal(t, 12.0, cur.RiderLocation.AccuracyMeters)
}

func TestService_UpdateLocationRejectedOnTerminalTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)
	_, err := f.svc.Cancel(ctx, f.rider, created.ID)
	require.NoError(t, err)

	sample := geo.Sample{Lat: 18.4861, Lng: -69.9312, AccuracyMeters: 12, CapturedAtMs: f.clock.Now().UnixMilli()}
	_, err = f.svc.UpdateLocation(ctx, f.rider, created.ID, sample)
	assert.ErrorIs(t, err, trip.ErrStaleState)
}

func TestService_GetVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := f.createTrip(t)
	stranger := &user.User{ID: "rider-2", DisplayName: "Eva", Role: user.RoleRider}

	_, err := f.svc.Get(ctx, f.driver, created.ID)
	assert.NoError(t, err, "searching trips are visible to drivers")
	_, err = f.svc.Get(ctx, stranger, created.ID)
	assert.ErrorIs(t, err, trip.ErrForbidden)

	_, err = f.svc.Accept(ctx, f.driver, created.ID, nil)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, f.other, created.ID)
	assert.ErrorIs(t, err, trip.ErrForbidden)
	_, err = f.svc.Get(ctx, f.rider, created.ID)
	assert.NoError(t, err)
}

func TestService_PublishFailureDoesNotFailTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	created := f.createTrip(t)
	_, err := f.svc.Accept(ctx, f.driver, created.ID, nil)
	assert.NoError(t, err)
}

func TestService_FareInvariantAcrossDistances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, d := range []float64{0.5, 1, 1.7, 3.3333, 12.25, 48.9, 99.99} {
		q, err := f.pricing.Quote(ctx, f.rider.ID, d)
		require.NoError(t, err)
		created, err := f.svc.Create(ctx, f.rider, CreateRequest{FareID: q.FareID, Origin: "a", Destination: "b"})
		require.NoError(t, err, "distance %v", d)
		assert.True(t, created.FareBalanced(), "distance %v", d)
		assert.GreaterOrEqual(t, created.FareTotal, 50.0)
	}

	history, err := f.svc.History(ctx, f.rider)
	require.NoError(t, err)
	assert.Len(t, history, 7)
}
