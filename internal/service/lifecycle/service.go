// Package lifecycle owns the legal trip transitions, who may cause each one
// and what each one writes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/events"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

// DefaultArrivalMessage is written when a driver arrives without a message
const DefaultArrivalMessage = "Your driver has arrived"

// FareRedeemer checks a quote and consumes it before a trip may reference it
type FareRedeemer interface {
	Redeem(ctx context.Context, fareID, userID string) (*pricing.Quote, error)
}

// Observer receives business events for APM. Optional.
type Observer interface {
	RecordTripCreated(tripID string, fare, distanceKm float64)
	RecordTripCompleted(tripID string, fare, driverEarnings float64, duration time.Duration)
}

// Service applies guarded transitions to trips
type Service struct {
	store     trip.Store
	fares     FareRedeemer
	validator *geo.Validator
	events    events.Publisher
	observer  Observer
	logger    *logger.Logger
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithObserver attaches an APM observer
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lifecycle service
func NewService(store trip.Store, fares FareRedeemer, validator *geo.Validator, publisher events.Publisher, log *logger.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &Service{
		store:     store,
		fares:     fares,
		validator: validator,
		events:    publisher,
		logger:    log.Named("lifecycle"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying trip store
func (s *Service) Store() trip.Store {
	return s.store
}

// CreateRequest references a fare quote. Origin and destination default to
// the quote's addresses.
type CreateRequest struct {
	FareID      string
	Origin      string
	Destination string
}

// Create opens a trip in searching from a validated fare quote
func (s *Service) Create(ctx context.Context, rider *user.User, req CreateRequest) (*trip.Trip, error) {
	if rider.Role != user.RoleRider {
		return nil, fmt.Errorf("%w: only riders request trips", trip.ErrForbidden)
	}
	quote, err := s.fares.Redeem(ctx, req.FareID, rider.ID)
	if err != nil {
		s.count(trip.EventCreate, metrics.OutcomeRejected)
		return nil, err
	}

	origin := firstNonEmpty(req.Origin, quote.Origin)
	destination := firstNonEmpty(req.Destination, quote.Destination)

	t := &trip.Trip{
		RiderID:            rider.ID,
		RiderName:          rider.DisplayName,
		RiderPhone:         rider.Phone,
		Origin:             origin,
		Destination:        destination,
		DistanceKm:         quote.DistanceKm,
		FareTotal:          quote.TotalFare,
		PlatformCommission: quote.PlatformCommission,
		DriverEarnings:     quote.DriverEarnings,
		EstimatedDuration:  quote.EstimatedDuration,
		FareID:             quote.FareID,
		Status:             trip.StatusSearching,
		CreatedAt:          s.now(),
	}
	if err := t.Validate(); err != nil {
		s.count(trip.EventCreate, metrics.OutcomeRejected)
		return nil, err
	}

	id, err := s.store.Create(ctx, t)
	if err != nil {
		s.count(trip.EventCreate, metrics.OutcomeError)
		return nil, err
	}
	t.ID = id

	s.committed(ctx, t, trip.EventCreate, rider.ID, t.CreatedAt)
	if s.observer != nil {
		s.observer.RecordTripCreated(t.ID, t.FareTotal, t.DistanceKm)
	}
	return t, nil
}

// Get returns a trip visible to actor: its rider, its driver, or any driver
// while it is still searching.
func (s *Service) Get(ctx context.Context, actor *user.User, id string) (*trip.Trip, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(t, actor) {
		return nil, trip.ErrForbidden
	}
	return t, nil
}

// History lists the actor's trips, newest first
func (s *Service) History(ctx context.Context, actor *user.User) ([]*trip.Trip, error) {
	return s.store.ListByOwner(ctx, actor.ID, actor.Role)
}

// Accept assigns the trip to driver if it is still searching. Of two
// concurrent accepts exactly one succeeds; the other gets ErrStaleState.
// A location that fails validation is dropped, not written.
func (s *Service) Accept(ctx context.Context, driver *user.User, id string, loc *trip.Location) (*trip.Trip, error) {
	loc = s.checkAcceptLocation(driver, id, loc)
	return s.transition(ctx, driver, id, trip.EventAccept, []trip.Status{trip.StatusSearching},
		func(t *trip.Trip) error {
			return requireRole(driver, user.RoleDriver)
		},
		func(t *trip.Trip, at time.Time) trip.Patch {
			return trip.Patch{
				Status:         status(trip.StatusAccepted),
				DriverID:       &driver.ID,
				DriverName:     &driver.DisplayName,
				DriverPhone:    &driver.Phone,
				AcceptedAt:     &at,
				DriverLocation: loc,
			}
		})
}

// Arrive marks the assigned driver as at the pickup point
func (s *Service) Arrive(ctx context.Context, driver *user.User, id, message string) (*trip.Trip, error) {
	if strings.TrimSpace(message) == "" {
		message = DefaultArrivalMessage
	}
	return s.transition(ctx, driver, id, trip.EventArrive, []trip.Status{trip.StatusAccepted},
		assignedDriver(driver),
		func(t *trip.Trip, at time.Time) trip.Patch {
			return trip.Patch{
				Status:         status(trip.StatusDriverArrived),
				ArrivedAt:      &at,
				ArrivalMessage: &message,
			}
		})
}

// Start begins the ride
func (s *Service) Start(ctx context.Context, driver *user.User, id string) (*trip.Trip, error) {
	return s.transition(ctx, driver, id, trip.EventStart, []trip.Status{trip.StatusDriverArrived},
		assignedDriver(driver),
		func(t *trip.Trip, at time.Time) trip.Patch {
			return trip.Patch{Status: status(trip.StatusInProgress), StartedAt: &at}
		})
}

// Complete ends the ride
func (s *Service) Complete(ctx context.Context, driver *user.User, id string) (*trip.Trip, error) {
	t, err := s.transition(ctx, driver, id, trip.EventComplete, []trip.Status{trip.StatusInProgress},
		assignedDriver(driver),
		func(t *trip.Trip, at time.Time) trip.Patch {
			return trip.Patch{Status: status(trip.StatusCompleted), CompletedAt: &at}
		})
	if err == nil && s.observer != nil && t.StartedAt != nil && t.CompletedAt != nil {
		s.observer.RecordTripCompleted(t.ID, t.FareTotal, t.DriverEarnings, t.CompletedAt.Sub(*t.StartedAt))
	}
	return t, err
}

// Cancel moves the trip to cancelled. Riders may cancel until the ride
// starts; the assigned driver may cancel after accepting and before the
// ride starts. In-progress trips cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, actor *user.User, id string) (*trip.Trip, error) {
	expected := cancellable(actor.Role)
	if expected == nil {
		return nil, user.ErrInvalidRole
	}
	cancelledBy := string(actor.Role)
	return s.transition(ctx, actor, id, trip.EventCancel, expected,
		func(t *trip.Trip) error {
			if !trip.OwnedBy(t, actor.ID, actor.Role) {
				return trip.ErrForbidden
			}
			return nil
		},
		func(t *trip.Trip, at time.Time) trip.Patch {
			return trip.Patch{
				Status:      status(trip.StatusCancelled),
				CancelledAt: &at,
				CancelledBy: &cancelledBy,
			}
		})
}

// checkAcceptLocation drops an accept-time fix that fails validation. The
// accept itself still goes ahead.
func (s *Service) checkAcceptLocation(driver *user.User, id string, loc *trip.Location) *trip.Location {
	if loc == nil || s.validator == nil {
		return loc
	}
	sample := geo.Sample{Lat: loc.Lat, Lng: loc.Lng, AccuracyMeters: loc.AccuracyMeters, CapturedAtMs: loc.SampledAtMs}
	if err := s.validator.Check(sample, user.RoleDriver); err != nil {
		metrics.LocationSamples.WithLabelValues(string(user.RoleDriver), metrics.OutcomeRejected).Inc()
		s.logger.Debug("accept location dropped",
			logger.TripID(id), logger.UserID(driver.ID), logger.Err(err))
		return nil
	}
	return loc
}

func cancellable(role user.Role) []trip.Status {
	switch role {
	case user.RoleRider:
		return []trip.Status{trip.StatusSearching, trip.StatusAccepted, trip.StatusDriverArrived}
	case user.RoleDriver:
		return []trip.Status{trip.StatusAccepted, trip.StatusDriverArrived}
	}
	return nil
}

// UpdateLocation writes sample into the actor's own location field. It never
// touches the other party's field. Samples that fail validation are rejected
// with a geo error and not written.
func (s *Service) UpdateLocation(ctx context.Context, actor *user.User, id string, sample geo.Sample) (*trip.Trip, error) {
	if s.validator != nil {
		if err := s.validator.Check(sample, actor.Role); err != nil {
			metrics.LocationSamples.WithLabelValues(string(actor.Role), metrics.OutcomeRejected).Inc()
			return nil, err
		}
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trip.OwnedBy(t, actor.ID, actor.Role) {
		return nil, trip.ErrForbidden
	}

	loc := &trip.Location{
		Lat:            sample.Lat,
		Lng:            sample.Lng,
		AccuracyMeters: sample.AccuracyMeters,
		SampledAtMs:    sample.CapturedAtMs,
	}
	var patch trip.Patch
	var expected []trip.Status
	if actor.Role == user.RoleDriver {
		patch.DriverLocation = loc
		expected = []trip.Status{trip.StatusAccepted, trip.StatusDriverArrived, trip.StatusInProgress}
	} else {
		patch.RiderLocation = loc
		expected = []trip.Status{trip.StatusSearching, trip.StatusAccepted, trip.StatusDriverArrived, trip.StatusInProgress}
	}

	updated, err := s.store.Update(ctx, id, patch, expected...)
	if err != nil {
		return nil, err
	}
	metrics.LocationSamples.WithLabelValues(string(actor.Role), metrics.OutcomeOK).Inc()
	return updated, nil
}

// Earnings sums a driver's completed trips
type Earnings struct {
	DriverID       string  `json:"driver_id"`
	CompletedTrips int     `json:"completed_trips"`
	Total          float64 `json:"total"`
}

// Earnings aggregates driverEarnings over the driver's completed trips
func (s *Service) Earnings(ctx context.Context, driver *user.User) (*Earnings, error) {
	if err := requireRole(driver, user.RoleDriver); err != nil {
		return nil, err
	}
	trips, err := s.store.ListByOwner(ctx, driver.ID, user.RoleDriver)
	if err != nil {
		return nil, err
	}
	e := &Earnings{DriverID: driver.ID}
	var cents int64
	for _, t := range trips {
		if t.Status == trip.StatusCompleted {
			e.CompletedTrips++
			cents += int64(t.DriverEarnings*100 + 0.5)
		}
	}
	e.Total = float64(cents) / 100
	return e, nil
}

// transition loads the trip, checks the guard and the actor, then commits
// patch conditionally on the same guard.
func (s *Service) transition(
	ctx context.Context,
	actor *user.User,
	id string,
	ev trip.Event,
	expected []trip.Status,
	authorize func(*trip.Trip) error,
	build func(t *trip.Trip, at time.Time) trip.Patch,
) (*trip.Trip, error) {
	log := s.logger.With(logger.TripID(id), logger.UserID(actor.ID), logger.String("event", string(ev)))

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		s.count(ev, metrics.OutcomeError)
		return nil, err
	}
	if !slices.Contains(expected, cur.Status) {
		s.count(ev, metrics.OutcomeConflict)
		log.Debug("transition guard failed", logger.Status(string(cur.Status)))
		return nil, &trip.StaleStateError{TripID: id, Expected: expected, Actual: cur.Status}
	}
	if err := authorize(cur); err != nil {
		s.count(ev, metrics.OutcomeRejected)
		log.Warn("transition not permitted", logger.Err(err))
		return nil, err
	}

	at := s.stamp(cur)
	updated, err := s.store.Update(ctx, id, build(cur, at), expected...)
	if errors.Is(err, trip.ErrStaleState) {
		s.count(ev, metrics.OutcomeConflict)
		log.Info("lost transition race", logger.Err(err))
		return nil, err
	}
	if err != nil {
		s.count(ev, metrics.OutcomeError)
		log.Error("transition write failed", logger.Err(err))
		return nil, err
	}

	s.committed(ctx, updated, ev, actor.ID, at)
	return updated, nil
}

// stamp returns now clamped so the trip's timestamps never decrease
func (s *Service) stamp(t *trip.Trip) time.Time {
	now := s.now()
	if latest := t.LatestTimestamp(); now.Before(latest) {
		return latest
	}
	return now
}

func (s *Service) committed(ctx context.Context, t *trip.Trip, ev trip.Event, actorID string, at time.Time) {
	s.count(ev, metrics.OutcomeOK)
	s.logger.Info("trip transition",
		logger.TripID(t.ID),
		logger.UserID(actorID),
		logger.String("event", string(ev)),
		logger.Status(string(t.Status)),
	)

	err := s.events.Publish(ctx, events.NewTripEvent(t, ev, actorID, at))
	if err != nil {
		metrics.EventsPublished.WithLabelValues(metrics.OutcomeError).Inc()
		s.logger.Warn("failed to publish trip event", logger.TripID(t.ID), logger.Err(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(metrics.OutcomeOK).Inc()
}

func (s *Service) count(ev trip.Event, outcome string) {
	metrics.TripTransitions.WithLabelValues(string(ev), outcome).Inc()
}

func assignedDriver(driver *user.User) func(*trip.Trip) error {
	return func(t *trip.Trip) error {
		if err := requireRole(driver, user.RoleDriver); err != nil {
			return err
		}
		if t.DriverID != driver.ID {
			return fmt.Errorf("%w: not the assigned driver", trip.ErrForbidden)
		}
		return nil
	}
}

func requireRole(u *user.User, role user.Role) error {
	if u.Role != role {
		return fmt.Errorf("%w: requires %s", trip.ErrForbidden, role)
	}
	return nil
}

func canView(t *trip.Trip, actor *user.User) bool {
	if trip.OwnedBy(t, actor.ID, actor.Role) {
		return true
	}
	return actor.Role == user.RoleDriver && t.Status == trip.StatusSearching
}

func status(s trip.Status) *trip.Status {
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
