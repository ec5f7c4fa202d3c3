package tracking

import (
	"context"
	"sync"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/internal/routing"
	"github.com/gocomet/ride-coordination/internal/service/sampler"
	"github.com/gocomet/ride-coordination/pkg/cleanup"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

type sessionKey struct {
	tripID string
	userID string
}

// Manager owns the live sessions, at most one per trip and party
type Manager struct {
	store     trip.Store
	locator   Locator
	router    routing.Service
	validator *geo.Validator
	samplers  sampler.Config
	cfg       Config
	cleanup   *cleanup.Registry
	observer  sampler.Observer
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	handles  map[sessionKey]cleanup.Handle
}

// NewManager creates a session manager
func NewManager(
	store trip.Store,
	locator Locator,
	router routing.Service,
	validator *geo.Validator,
	samplers sampler.Config,
	cfg Config,
	registry *cleanup.Registry,
	log *logger.Logger,
) *Manager {
	return &Manager{
		store:     store,
		locator:   locator,
		router:    router,
		validator: validator,
		samplers:  samplers,
		cfg:       cfg,
		cleanup:   registry,
		logger:    log.Named("tracking"),
		sessions:  make(map[sessionKey]*Session),
		handles:   make(map[sessionKey]cleanup.Handle),
	}
}

// SetObserver reports rejected samples to APM
func (m *Manager) SetObserver(o sampler.Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

// trackable reports whether role may run a session in status. Riders track
// from the moment they request; drivers once they have accepted.
func trackable(role user.Role, status trip.Status) bool {
	switch status {
	case trip.StatusAccepted, trip.StatusDriverArrived, trip.StatusInProgress:
		return true
	case trip.StatusSearching:
		return role == user.RoleRider
	}
	return false
}

// Start returns the actor's session for tripID, starting one if needed.
// ctx bounds only the setup; the session lives until Stop or a terminal
// status.
func (m *Manager) Start(ctx context.Context, actor *user.User, tripID string) (*Session, error) {
	key := sessionKey{tripID: tripID, userID: actor.ID}
	if s, ok := m.Session(tripID, actor.ID); ok {
		return s, nil
	}

	t, err := m.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !trip.OwnedBy(t, actor.ID, actor.Role) {
		return nil, trip.ErrForbidden
	}
	if !trackable(actor.Role, t.Status) {
		return nil, ErrNotTrackable
	}

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := m.newSession(context.WithoutCancel(ctx), actor, tripID)
	s.onStop = func() { m.remove(key, s) }
	m.sessions[key] = s
	metrics.TrackingSessions.Inc()
	m.mu.Unlock()

	h := m.cleanup.Add("tracking:"+tripID+":"+actor.ID, s.Stop)
	m.mu.Lock()
	if m.sessions[key] == s {
		m.handles[key] = h
		h = cleanup.Handle{}
	}
	m.mu.Unlock()
	h.Release()

	if err := s.start(ctx); err != nil {
		s.Stop()
		return nil, err
	}
	m.logger.Info("tracking session started",
		logger.TripID(tripID), logger.UserID(actor.ID), logger.Role(string(actor.Role)))
	return s, nil
}

func (m *Manager) newSession(base context.Context, actor *user.User, tripID string) *Session {
	ctx, cancel := context.WithCancel(base)
	s := &Session{
		tripID:  tripID,
		actor:   actor,
		store:   m.store,
		locator: m.locator,
		router:  m.router,
		cfg:     m.cfg,
		feed:    sampler.NewFeed(),
		logger:  m.logger.With(logger.TripID(tripID), logger.UserID(actor.ID)),
		ctx:     ctx,
		cancel:  cancel,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		updates: make(chan Update, updateBuffer),
	}
	opts := []sampler.Option{
		sampler.WithWarnings(s.warn),
		sampler.WithExpectMoving(s.expectMoving),
	}
	if m.observer != nil {
		opts = append(opts, sampler.WithObserver(m.observer))
	}
	s.sampler = sampler.New(m.samplers, s.feed, m.validator, actor.Role, s.logger, opts...)
	return s
}

// Session returns a live session
func (m *Manager) Session(tripID, userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{tripID: tripID, userID: userID}]
	return s, ok
}

// Push routes a raw fix to the actor's live session. Without one the sample
// is validated and written directly.
func (m *Manager) Push(ctx context.Context, actor *user.User, tripID string, sample geo.Sample) error {
	if s, ok := m.Session(tripID, actor.ID); ok {
		if err := s.Push(sample); err == nil {
			return nil
		}
	}
	_, err := m.locator.UpdateLocation(ctx, actor, tripID, sample)
	return err
}

// Stop ends one session
func (m *Manager) Stop(tripID, userID string) {
	if s, ok := m.Session(tripID, userID); ok {
		s.Stop()
	}
}

// StopUser ends every session of userID, used on logout
func (m *Manager) StopUser(userID string) {
	for _, s := range m.collect(func(k sessionKey) bool { return k.userID == userID }) {
		s.Stop()
	}
}

// Active returns the number of live sessions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close ends every session
func (m *Manager) Close() {
	for _, s := range m.collect(func(sessionKey) bool { return true }) {
		s.Stop()
	}
}

func (m *Manager) collect(match func(sessionKey) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for k, s := range m.sessions {
		if match(k) {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) remove(key sessionKey, s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[key]; !ok || cur != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	h := m.handles[key]
	delete(m.handles, key)
	metrics.TrackingSessions.Dec()
	m.mu.Unlock()

	h.Release()
	m.logger.Info("tracking session ended", logger.TripID(key.tripID), logger.UserID(key.userID))
}
