// Package pool keeps online drivers subscribed to searching trips and turns
// each one into an offer.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/service/pricing"
	"github.com/gocomet/ride-coordination/pkg/logger"
)

var (
	// ErrNoLongerAvailable wraps the stale-state error of a lost accept race
	ErrNoLongerAvailable = errors.New("trip is no longer available")
	// ErrOffline is returned by operations on a stopped listener
	ErrOffline = errors.New("driver is offline")
)

// Acceptor performs the guarded accept transition
type Acceptor interface {
	Accept(ctx context.Context, driver *user.User, id string, loc *trip.Location) (*trip.Trip, error)
}

// Offer is a searching trip as shown to one driver
type Offer struct {
	TripID            string    `json:"trip_id"`
	RiderName         string    `json:"rider_name"`
	Origin            string    `json:"origin"`
	Destination       string    `json:"destination"`
	DistanceKm        float64   `json:"distance_km"`
	FareTotal         float64   `json:"fare_total"`
	DriverEarnings    float64   `json:"driver_earnings"`
	EstimatedDuration string    `json:"estimated_duration,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func newOffer(t *trip.Trip, feeRate float64) Offer {
	return Offer{
		TripID:            t.ID,
		RiderName:         t.RiderName,
		Origin:            t.Origin,
		Destination:       t.Destination,
		DistanceKm:        t.DistanceKm,
		FareTotal:         t.FareTotal,
		DriverEarnings:    pricing.DriverEarnings(t.FareTotal, feeRate),
		EstimatedDuration: t.EstimatedDuration,
		CreatedAt:         t.CreatedAt,
	}
}

// Listener holds one driver's live view of the pool. Updates are delivered
// on a channel that is closed by Stop; nothing is sent after Stop returns.
type Listener struct {
	driver   *user.User
	store    trip.Store
	acceptor Acceptor
	feeRate  float64
	logger   *logger.Logger
	onStop   func()

	mu       sync.Mutex
	offers   map[string]Offer
	declined map[string]struct{}
	updates  chan []Offer
	unsub    trip.Unsubscribe
	stopped  bool
}

func newListener(driver *user.User, store trip.Store, acceptor Acceptor, feeRate float64, log *logger.Logger, onStop func()) *Listener {
	return &Listener{
		driver:   driver,
		store:    store,
		acceptor: acceptor,
		feeRate:  feeRate,
		logger:   log.With(logger.UserID(driver.ID)),
		onStop:   onStop,
		offers:   make(map[string]Offer),
		declined: make(map[string]struct{}),
		updates:  make(chan []Offer, 1),
	}
}

func (l *Listener) start(ctx context.Context) error {
	unsub, err := l.store.SubscribeByStatus(ctx, trip.StatusSearching, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe to pool: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		unsub()
		return ErrOffline
	}
	l.unsub = unsub
	return nil
}

// DriverID returns the owning driver
func (l *Listener) DriverID() string {
	return l.driver.ID
}

// Updates delivers the full offer list after every change. Only the latest
// list is buffered.
func (l *Listener) Updates() <-chan []Offer {
	return l.updates
}

// Offers returns the current offers, oldest first
func (l *Listener) Offers() []Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Decline hides a trip from this driver only. No store write happens.
func (l *Listener) Decline(tripID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.declined[tripID] = struct{}{}
	if _, ok := l.offers[tripID]; ok {
		delete(l.offers, tripID)
		l.notifyLocked()
	}
}

// Accept tries the guarded accept. On success the listener stops. A lost
// race removes the offer, keeps listening and returns ErrNoLongerAvailable.
func (l *Listener) Accept(ctx context.Context, tripID string, loc *trip.Location) (*trip.Trip, error) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return nil, ErrOffline
	}

	t, err := l.acceptor.Accept(ctx, l.driver, tripID, loc)
	if errors.Is(err, trip.ErrStaleState) {
		l.mu.Lock()
		if _, ok := l.offers[tripID]; ok {
			delete(l.offers, tripID)
			l.notifyLocked()
		}
		l.mu.Unlock()
		l.logger.Info("offer no longer available", logger.TripID(tripID))
		return nil, fmt.Errorf("%w: %w", ErrNoLongerAvailable, err)
	}
	if err != nil {
		return nil, err
	}

	l.Stop()
	return t, nil
}

// Stop cancels the subscription and closes Updates. Safe to call more than
// once and from any goroutine.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	unsub := l.unsub
	l.offers = nil
	close(l.updates)
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if l.onStop != nil {
		l.onStop()
	}
	l.logger.Debug("pool listener stopped")
}

func (l *Listener) handle(c trip.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	id := c.Trip.ID
	switch c.Kind {
	case trip.ChangeAdded, trip.ChangeModified:
		if _, declined := l.declined[id]; declined {
			return
		}
		l.offers[id] = newOffer(c.Trip, l.feeRate)
	case trip.ChangeRemoved:
		delete(l.offers, id)
		delete(l.declined, id)
	}
	l.notifyLocked()
}

// notifyLocked replaces any unread list with the current one
func (l *Listener) notifyLocked() {
	list := l.sortedLocked()
	select {
	case <-l.updates:
	default:
	}
	l.updates <- list
}

func (l *Listener) sortedLocked() []Offer {
	out := make([]Offer, 0, len(l.offers))
	for _, o := range l.offers {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
