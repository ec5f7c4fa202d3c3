// Package tracking runs the per-party location exchange of an active trip:
// samples are validated and written to the party's own field, and every
// counterpart move refreshes the ETA.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/routing"
	"github.com/gocomet/ride-coordination/internal/service/sampler"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

var (
	// ErrNotTrackable is returned for trips in a status without tracking
	ErrNotTrackable = errors.New("trip is not trackable in its current status")
	// ErrSessionEnded is returned when pushing to a stopped session
	ErrSessionEnded = errors.New("tracking session ended")
)

// Update kinds streamed to clients
const (
	UpdateTrip    = "trip_updated"
	UpdateETA     = "eta_updated"
	UpdateWarning = "warning"
)

const updateBuffer = 16

// Locator writes an accepted sample into the actor's own location field
type Locator interface {
	UpdateLocation(ctx context.Context, actor *user.User, id string, sample geo.Sample) (*trip.Trip, error)
}

// Config tunes ETA computation
type Config struct {
	ArrivalRadiusMeters float64
	RouteTimeout        time.Duration
}

// ETA is the driver's estimated time to the current target
type ETA struct {
	Target          string    `json:"target"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	DistanceText    string    `json:"distance_text"`
	DurationText    string    `json:"duration_text"`
	Polyline        string    `json:"polyline,omitempty"`
	Estimated       bool      `json:"estimated,omitempty"`
	Nearby          bool      `json:"nearby"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Update is one message on a session's stream
type Update struct {
	Type    string     `json:"type"`
	Trip    *trip.Trip `json:"trip,omitempty"`
	ETA     *ETA       `json:"eta,omitempty"`
	Warning string     `json:"warning,omitempty"`
}

// Session is one party's view of one trip. It ends when the trip reaches a
// terminal status or Stop is called; either way the sampler, the trip
// subscription and the ETA worker are all released.
type Session struct {
	tripID  string
	actor   *user.User
	store   trip.Store
	locator Locator
	router  routing.Service
	cfg     Config
	feed    *sampler.Feed
	sampler *sampler.Sampler
	logger  *logger.Logger
	onStop  func()

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	wg     sync.WaitGroup
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
	unsub   trip.Unsubscribe
	updates chan Update
	current *trip.Trip
	eta     *ETA
	inputs  etaInputs
	stopErr error
}

// TripID returns the tracked trip
func (s *Session) TripID() string {
	return s.tripID
}

// Actor returns the party this session samples for
func (s *Session) Actor() *user.User {
	return s.actor
}

// Updates streams trip changes, ETA refreshes and warnings. It is closed
// when the session ends.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Done is closed once every session goroutine has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped on its own, if it did
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopErr
}

// Trip returns the latest observed trip
func (s *Session) Trip() *trip.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// ETA returns the last computed ETA, which stays in place when a refresh fails
func (s *Session) ETA() *ETA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eta == nil {
		return nil
	}
	e := *s.eta
	return &e
}

// Push hands a raw device fix to the session's sampler
func (s *Session) Push(sample geo.Sample) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrSessionEnded
	}
	s.feed.Push(sample)
	return nil
}

// Fail reports a device-side location error such as sampler.ErrPermissionDenied
func (s *Session) Fail(err error) {
	s.feed.Fail(err)
}

func (s *Session) start(ctx context.Context) error {
	unsub, err := s.store.SubscribeOne(ctx, s.tripID, s.handle)
	if err != nil {
		close(s.done)
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		unsub()
		close(s.done)
		return ErrSessionEnded
	}
	s.unsub = unsub
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runSampler()
	go s.runETA()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return nil
}

// Stop ends the session. Safe to call more than once and from inside
// update handlers.
func (s *Session) Stop() {
	s.stop(nil)
}

func (s *Session) stop(cause error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopErr = cause
	unsub := s.unsub
	close(s.updates)
	s.mu.Unlock()

	s.cancel()
	if unsub != nil {
		unsub()
	}
	if s.onStop != nil {
		s.onStop()
	}
	s.logger.Debug("tracking session stopped", logger.Err(cause))
}

func (s *Session) runSampler() {
	defer s.wg.Done()
	err := s.sampler.Run(s.ctx, func(sample geo.Sample) {
		_, err := s.locator.UpdateLocation(s.ctx, s.actor, s.tripID, sample)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Debug("location write skipped", logger.Err(err))
		}
	})
	if err != nil {
		s.warn(err)
		s.stop(err)
	}
}

func (s *Session) handle(c trip.Change) {
	t := c.Trip
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.current = t.Clone()
	s.sendLocked(Update{Type: UpdateTrip, Trip: t.Clone()})
	moved := s.inputsChangedLocked(t)
	s.mu.Unlock()

	if t.Status.IsTerminal() {
		s.stop(nil)
		return
	}
	if moved {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// etaInputs are the trip fields an ETA depends on
type etaInputs struct {
	status trip.Status
	driver int64
	rider  int64
}

func inputsOf(t *trip.Trip) etaInputs {
	in := etaInputs{status: t.Status}
	if t.DriverLocation != nil {
		in.driver = t.DriverLocation.SampledAtMs
	}
	if t.RiderLocation != nil {
		in.rider = t.RiderLocation.SampledAtMs
	}
	return in
}

// inputsChangedLocked reports whether t differs from the last ETA inputs
func (s *Session) inputsChangedLocked(t *trip.Trip) bool {
	in := inputsOf(t)
	if in == s.inputs {
		return false
	}
	s.inputs = in
	return true
}

func (s *Session) runETA() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
			s.refreshETA()
		}
	}
}

func (s *Session) refreshETA() {
	t := s.Trip()
	if t == nil || t.DriverLocation == nil || s.router == nil {
		return
	}
	ctx := s.ctx
	if s.cfg.RouteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RouteTimeout)
		defer cancel()
	}

	from := geo.Point{Lat: t.DriverLocation.Lat, Lng: t.DriverLocation.Lng}
	to, label, err := s.target(ctx, t)
	if err != nil {
		s.logger.Warn("eta target unavailable, keeping last eta", logger.Err(err))
		return
	}
	route, err := s.router.Route(ctx, from, to)
	if errors.Is(err, routing.ErrTransient) {
		route = routing.Estimate(from, to)
		err = nil
	}
	if err != nil {
		s.logger.Warn("eta route failed, keeping last eta", logger.Err(err))
		return
	}

	eta := &ETA{
		Target:          label,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		DistanceText:    route.DistanceText(),
		DurationText:    route.DurationText(),
		Polyline:        route.Polyline,
		Estimated:       route.Estimated,
		Nearby:          geo.DistanceMeters(from, to) <= s.cfg.ArrivalRadiusMeters,
		UpdatedAt:       time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.eta = eta
	c := *eta
	s.sendLocked(Update{Type: UpdateETA, ETA: &c})
}

// target picks the rider's live position, then the pickup address, while
// the driver is on the way, and the destination once the ride is underway.
func (s *Session) target(ctx context.Context, t *trip.Trip) (geo.Point, string, error) {
	if t.Status == trip.StatusInProgress {
		p, err := s.router.Geocode(ctx, t.Destination)
		return p, "destination", err
	}
	if t.RiderLocation != nil {
		return geo.Point{Lat: t.RiderLocation.Lat, Lng: t.RiderLocation.Lng}, "rider", nil
	}
	p, err := s.router.Geocode(ctx, t.Origin)
	return p, "origin", err
}

// expectMoving enables stationary warnings for a driver with a rider aboard
func (s *Session) expectMoving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor.Role == user.RoleDriver && s.current != nil && s.current.Status == trip.StatusInProgress
}

func (s *Session) warn(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.sendLocked(Update{Type: UpdateWarning, Warning: err.Error()})
}

// sendLocked enqueues u, dropping the oldest update when the buffer is full
func (s *Session) sendLocked(u Update) {
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
