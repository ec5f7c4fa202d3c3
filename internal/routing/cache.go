package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

// Cache is a small TTL cache for route and geocode lookups.
type Cache struct {
	mu     sync.RWMutex
	routes map[string]cacheEntry[Route]
	points map[string]cacheEntry[geo.Point]
	ttl    time.Duration
	now    func() time.Time
}

type cacheEntry[T any] struct {
	v  T
	ts time.Time
}

// NewCache creates a cache with the provided TTL
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		routes: make(map[string]cacheEntry[Route]),
		points: make(map[string]cacheEntry[geo.Point]),
		ttl:    ttl,
		now:    time.Now,
	}
}

// routeKey rounds to four decimals (about 11 m) so jitter shares entries
func routeKey(a, b geo.Point) string {
	return fmt.Sprintf("%.4f,%.4f->%.4f,%.4f", a.Lat, a.Lng, b.Lat, b.Lng)
}

func addressKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func lookup[T any](c *Cache, m map[string]cacheEntry[T], k string) (T, bool) {
	c.mu.RLock()
	e, ok := m[k]
	c.mu.RUnlock()
	var zero T
	if !ok {
		metrics.RoutingCacheHits.WithLabelValues("miss").Inc()
		return zero, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(m, k)
		c.mu.Unlock()
		metrics.RoutingCacheHits.WithLabelValues("expired").Inc()
		return zero, false
	}
	metrics.RoutingCacheHits.WithLabelValues("hit").Inc()
	return e.v, true
}

func store[T any](c *Cache, m map[string]cacheEntry[T], k string, v T) {
	c.mu.Lock()
	m[k] = cacheEntry[T]{v: v, ts: c.now()}
	c.mu.Unlock()
}

// Retry defaults for transient upstream failures.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second
)

// CachedService wraps a geocoder and router with a TTL cache and a per-call
// timeout. Transient failures are retried with exponential backoff. Only
// successful lookups are cached.
type CachedService struct {
	geocoder Geocoder
	router   Router
	cache    *Cache
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

var _ Service = (*CachedService)(nil)

// NewCachedService creates a routing service
func NewCachedService(geocoder Geocoder, router Router, cache *Cache, timeout time.Duration) *CachedService {
	return &CachedService{
		geocoder: geocoder,
		router:   router,
		cache:    cache,
		timeout:  timeout,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
	}
}

// WithRetry overrides the retry bound. attempts below one means a single try.
func (s *CachedService) WithRetry(attempts int, backoff time.Duration) *CachedService {
	if attempts < 1 {
		attempts = 1
	}
	s.attempts = attempts
	s.backoff = backoff
	return s
}

// Geocode resolves address, serving repeated lookups from the cache
func (s *CachedService) Geocode(ctx context.Context, address string) (geo.Point, error) {
	k := addressKey(address)
	if p, ok := lookup(s.cache, s.cache.points, k); ok {
		return p, nil
	}
	p, err := withRetry(ctx, s, func(ctx context.Context) (geo.Point, error) {
		return s.geocoder.Geocode(ctx, address)
	})
	if err != nil {
		return geo.Point{}, err
	}
	store(s.cache, s.cache.points, k, p)
	return p, nil
}

// Route returns the driving route, serving repeated lookups from the cache
func (s *CachedService) Route(ctx context.Context, from, to geo.Point) (*Route, error) {
	k := routeKey(from, to)
	if r, ok := lookup(s.cache, s.cache.routes, k); ok {
		return &r, nil
	}
	r, err := withRetry(ctx, s, func(ctx context.Context) (*Route, error) {
		return s.router.Route(ctx, from, to)
	})
	if err != nil {
		return nil, err
	}
	store(s.cache, s.cache.routes, k, *r)
	return r, nil
}

func (s *CachedService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// withRetry runs fn with a fresh timeout per attempt, retrying only
// ErrTransient and doubling the delay between attempts.
func withRetry[T any](ctx context.Context, s *CachedService, fn func(context.Context) (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	delay := s.backoff
	for i := 0; i < s.attempts; i++ {
		if i > 0 {
			metrics.RoutingRetries.Inc()
			select {
			case <-ctx.Done():
				return v, err
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}
		attemptCtx, cancel := s.withTimeout(ctx)
		v, err = fn(attemptCtx)
		cancel()
		if err == nil || !errors.Is(err, ErrTransient) {
			return v, err
		}
	}
	return v, err
}
