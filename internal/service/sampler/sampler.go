// Package sampler turns a raw stream of position fixes into a bounded-rate
// stream of validated samples.
package sampler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/geo"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

var (
	// ErrPermissionDenied is fatal: sampling stops and the session must surface it
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrPositionUnavailable is retried with backoff
	ErrPositionUnavailable = errors.New("position unavailable")
	// ErrTimeout is reported once a retry also times out; sampling continues
	ErrTimeout = errors.New("location acquisition timed out")
	// ErrUnreliableLocation is reported when every recent sample was rejected
	ErrUnreliableLocation = errors.New("unable to get a reliable location")
	// ErrStationary is a soft warning while movement is expected
	ErrStationary = errors.New("no movement detected")
	// ErrAlreadyStarted is returned by a second Run
	ErrAlreadyStarted = errors.New("sampler already started")
)

// Config bounds sampling
type Config struct {
	Timeout      time.Duration
	MinInterval  time.Duration
	RejectStreak int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:      12 * time.Second,
		MinInterval:  2 * time.Second,
		RejectStreak: 5,
		RetryBackoff: time.Second,
		MaxBackoff:   30 * time.Second,
	}
}

// Source yields raw fixes. Next blocks until a fix, an error, or ctx is done.
type Source interface {
	Next(ctx context.Context) (geo.Sample, error)
}

// Observer receives rejected samples for APM. Optional.
type Observer interface {
	RecordLocationRejected(role, reason string)
}

// Sampler validates fixes from a Source for one party. A Sampler runs once.
type Sampler struct {
	cfg       Config
	source    Source
	validator *geo.Validator
	role      user.Role
	limiter   *rate.Limiter
	logger    *logger.Logger

	observer     Observer
	onWarning    func(error)
	expectMoving func() bool

	started atomic.Bool

	prev     *geo.Sample
	anchor   *geo.Sample
	rejected int
	timeouts int
	backoff  time.Duration
}

// Option configures a Sampler
type Option func(*Sampler)

// WithWarnings receives non-fatal conditions: ErrTimeout, ErrUnreliableLocation, ErrStationary
func WithWarnings(fn func(error)) Option {
	return func(s *Sampler) { s.onWarning = fn }
}

// WithExpectMoving enables stationary warnings while fn returns true
func WithExpectMoving(fn func() bool) Option {
	return func(s *Sampler) { s.expectMoving = fn }
}

// WithObserver reports rejections to APM
func WithObserver(o Observer) Option {
	return func(s *Sampler) { s.observer = o }
}

// New creates a sampler for role
func New(cfg Config, source Source, validator *geo.Validator, role user.Role, log *logger.Logger, opts ...Option) *Sampler {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	s := &Sampler{
		cfg:       cfg,
		source:    source,
		validator: validator,
		role:      role,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    log.Named("sampler").With(logger.Role(string(role))),
		onWarning: func(error) {},
		backoff:   cfg.RetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run pulls fixes until ctx is done or a fatal error occurs, calling emit for
// every accepted sample. Rejected samples are dropped. Run returns nil on
// cancellation and ErrPermissionDenied when the source loses permission.
func (s *Sampler) Run(ctx context.Context, emit func(geo.Sample)) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}

		fixCtx := ctx
		cancel := context.CancelFunc(func() {})
		if s.cfg.Timeout > 0 {
			fixCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		}
		sample, err := s.source.Next(fixCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		switch {
		case err == nil:
			s.timeouts = 0
			s.backoff = s.cfg.RetryBackoff
			s.handle(sample, emit)
		case errors.Is(err, ErrPermissionDenied):
			s.logger.Warn("location permission denied, stopping sampler")
			return ErrPermissionDenied
		case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			s.timeouts++
			// first timeout is retried silently
			if s.timeouts == 2 {
				s.logger.Warn("location acquisition timed out twice")
				s.onWarning(ErrTimeout)
			}
		default:
			s.logger.Debug("position unavailable, backing off",
				logger.Err(err), logger.Duration("backoff", s.backoff))
			if !sleep(ctx, s.backoff) {
				return nil
			}
			s.backoff = min(s.backoff*2, s.cfg.MaxBackoff)
		}
	}
}

func (s *Sampler) handle(sample geo.Sample, emit func(geo.Sample)) {
	err := s.validator.Check(sample, s.role)
	if err == nil && s.prev != nil {
		elapsed := sample.CapturedAt().Sub(s.prev.CapturedAt())
		if mv := s.validator.IsPlausibleMovement(sample, *s.prev, elapsed); !mv.Plausible {
			err = geo.ErrImplausibleJump
		}
	}
	if err != nil {
		s.reject(err)
		return
	}

	s.rejected = 0
	s.prev = &sample
	s.checkStationary(sample)
	metrics.LocationSamples.WithLabelValues(string(s.role), metrics.OutcomeOK).Inc()
	emit(sample)
}

func (s *Sampler) reject(err error) {
	s.rejected++
	metrics.LocationSamples.WithLabelValues(string(s.role), metrics.OutcomeRejected).Inc()
	if s.observer != nil {
		s.observer.RecordLocationRejected(string(s.role), err.Error())
	}
	s.logger.Debug("location sample rejected", logger.Err(err), logger.Int("streak", s.rejected))
	if s.cfg.RejectStreak > 0 && s.rejected == s.cfg.RejectStreak {
		s.onWarning(ErrUnreliableLocation)
	}
}

func (s *Sampler) checkStationary(sample geo.Sample) {
	if s.anchor == nil || geo.DistanceMeters(sample.Point(), s.anchor.Point()) > geo.StationaryRadiusMeters {
		s.anchor = &sample
		return
	}
	if s.expectMoving != nil && s.expectMoving() && s.validator.IsStationary(sample, *s.anchor) {
		s.onWarning(ErrStationary)
		// restart the window so the warning repeats at most once per window
		s.anchor = &sample
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
