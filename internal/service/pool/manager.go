package pool

import (
	"context"
	"sync"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/pkg/cleanup"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

// AcceptedFunc runs after a driver wins a trip through the pool
type AcceptedFunc func(ctx context.Context, driver *user.User, t *trip.Trip)

// Manager owns one Listener per online driver
type Manager struct {
	store    trip.Store
	acceptor Acceptor
	feeRate  float64
	cleanup  *cleanup.Registry
	logger   *logger.Logger

	mu         sync.Mutex
	listeners  map[string]*Listener
	handles    map[string]cleanup.Handle
	onAccepted AcceptedFunc
}

// NewManager creates a pool manager. Every listener is registered in
// registry so process teardown takes drivers offline.
func NewManager(store trip.Store, acceptor Acceptor, feeRate float64, registry *cleanup.Registry, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		acceptor:  acceptor,
		feeRate:   feeRate,
		cleanup:   registry,
		logger:    log.Named("pool"),
		listeners: make(map[string]*Listener),
		handles:   make(map[string]cleanup.Handle),
	}
}

// OnAccepted sets the hook run after a successful pool accept
func (m *Manager) OnAccepted(fn AcceptedFunc) {
	m.mu.Lock()
	m.onAccepted = fn
	m.mu.Unlock()
}

// GoOnline starts listening for driver. Calling it again while online
// returns the existing listener.
func (m *Manager) GoOnline(ctx context.Context, driver *user.User) (*Listener, error) {
	if driver.Role != user.RoleDriver {
		return nil, trip.ErrForbidden
	}

	m.mu.Lock()
	if l, ok := m.listeners[driver.ID]; ok {
		m.mu.Unlock()
		return l, nil
	}
	var l *Listener
	l = newListener(driver, m.store, m.acceptor, m.feeRate, m.logger, func() {
		m.remove(driver.ID, l)
	})
	m.listeners[driver.ID] = l
	metrics.PoolListenersOnline.Inc()
	m.mu.Unlock()

	h := m.cleanup.Add("pool:"+driver.ID, l.Stop)
	m.mu.Lock()
	if m.listeners[driver.ID] == l {
		m.handles[driver.ID] = h
		h = cleanup.Handle{}
	}
	m.mu.Unlock()
	// already stopped by a flushed registry or a concurrent GoOffline
	h.Release()

	if err := l.start(ctx); err != nil {
		l.Stop()
		return nil, err
	}
	m.logger.Info("driver online", logger.UserID(driver.ID))
	return l, nil
}

// GoOffline stops the driver's listener. No offer updates are delivered
// after it returns.
func (m *Manager) GoOffline(driverID string) {
	m.mu.Lock()
	l, ok := m.listeners[driverID]
	m.mu.Unlock()
	if ok {
		l.Stop()
	}
}

// Listener returns the driver's listener if online
func (m *Manager) Listener(driverID string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[driverID]
	return l, ok
}

// Accept accepts through the driver's listener when online, so a lost race
// updates its offers and a win takes it offline.
func (m *Manager) Accept(ctx context.Context, driver *user.User, tripID string, loc *trip.Location) (*trip.Trip, error) {
	var (
		t   *trip.Trip
		err error
	)
	if l, ok := m.Listener(driver.ID); ok {
		t, err = l.Accept(ctx, tripID, loc)
	} else {
		t, err = m.acceptor.Accept(ctx, driver, tripID, loc)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	hook := m.onAccepted
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, driver, t)
	}
	return t, nil
}

// Online returns the number of online drivers
func (m *Manager) Online() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Close takes every driver offline
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		all = append(all, l)
	}
	m.mu.Unlock()
	for _, l := range all {
		l.Stop()
	}
}

func (m *Manager) remove(driverID string, l *Listener) {
	m.mu.Lock()
	if cur, ok := m.listeners[driverID]; !ok || cur != l {
		m.mu.Unlock()
		return
	}
	delete(m.listeners, driverID)
	h := m.handles[driverID]
	delete(m.handles, driverID)
	metrics.PoolListenersOnline.Dec()
	m.mu.Unlock()

	h.Release()
	m.logger.Info("driver offline", logger.UserID(driverID))
}
