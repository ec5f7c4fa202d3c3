package handlers

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/identity"
	apperrors "github.com/gocomet/ride-coordination/pkg/errors"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

// Authenticator resolves a bearer token to its user
type Authenticator interface {
	CurrentUser(ctx context.Context, token string) (*user.User, error)
}

// AuthRequired rejects requests without a valid token. Browsers cannot set
// headers on a websocket handshake, so ?token= is accepted too.
func (h *Handlers) AuthRequired(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || token == c.GetHeader("Authorization") {
			token = c.Query("token")
		}
		if token == "" {
			h.respondError(c, identity.ErrInvalidToken)
			return
		}

		u, err := auth.CurrentUser(c.Request.Context(), token)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.Set(ctxUser, u)
		c.Set(ctxToken, token)
		c.Next()
	}
}

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit applies limiter per authenticated user, or per client IP before
// authentication. Limiter failures let the request through.
func (h *Handlers) RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := c.ClientIP()
		if u := currentUser(c); u != nil {
			key = u.ID
		}

		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			h.Logger.Warn("Rate limiter unavailable", logger.Err(err))
			c.Next()
			return
		}
		if !ok {
			h.respondError(c, apperrors.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// MemoryLimiter is a per-key token bucket for single-instance deployments
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewMemoryLimiter allows limit events per second per key with the given burst
func NewMemoryLimiter(limit rate.Limit, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Allow reports whether key may proceed now
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// Metrics records request counts and latency per route
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// RequestLogger logs one line per request
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logger.Field{
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("latency", time.Since(start)),
		}
		if u := currentUser(c); u != nil {
			fields = append(fields, logger.UserID(u.ID))
		}
		if c.Writer.Status() >= 500 {
			log.Warn("HTTP request", fields...)
			return
		}
		log.Debug("HTTP request", fields...)
	}
}
