package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gocomet/ride-coordination/internal/routing"
	"github.com/gocomet/ride-coordination/pkg/logger"
	"github.com/gocomet/ride-coordination/pkg/metrics"
)

// Service issues and validates fare quotes
type Service struct {
	config Config
	quotes QuoteStore
	router routing.Service
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a new pricing service. router may be nil when only
// distance-based quotes are needed.
func NewService(config Config, quotes QuoteStore, router routing.Service, log *logger.Logger) *Service {
	return &Service{
		config: config,
		quotes: quotes,
		router: router,
		logger: log.Named("pricing"),
		now:    time.Now,
	}
}

// Config returns the fare table
func (s *Service) Config() Config {
	return s.config
}

// Quote prices distanceKm for userID and stores the quote for validation
func (s *Service) Quote(ctx context.Context, userID string, distanceKm float64) (*Quote, error) {
	return s.issue(ctx, &Quote{UserID: userID}, distanceKm)
}

// QuoteRoute geocodes and routes origin to destination, then prices the
// routed distance. A transient routing failure falls back to a local
// estimate; unknown addresses are rejected.
func (s *Service) QuoteRoute(ctx context.Context, userID, origin, destination string) (*Quote, error) {
	if s.router == nil {
		return nil, fmt.Errorf("%w: routing unavailable", routing.ErrTransient)
	}
	if strings.TrimSpace(origin) == "" || strings.TrimSpace(destination) == "" {
		return nil, fmt.Errorf("%w: origin and destination required", ErrInvalidDistance)
	}

	from, err := s.router.Geocode(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	to, err := s.router.Geocode(ctx, destination)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	route, err := s.router.Route(ctx, from, to)
	if errors.Is(err, routing.ErrTransient) {
		s.logger.Warn("routing unavailable, estimating distance", logger.Err(err))
		route = routing.Estimate(from, to)
	} else if err != nil {
		return nil, err
	}

	return s.issue(ctx, &Quote{
		UserID:            userID,
		Origin:            origin,
		Destination:       destination,
		EstimatedDuration: route.DurationText(),
	}, route.DistanceKm())
}

func (s *Service) issue(ctx context.Context, q *Quote, distanceKm float64) (*Quote, error) {
	fare, err := Calculate(s.config, distanceKm)
	if err != nil {
		metrics.FareQuotes.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	q.FareID = "fare_" + uuid.NewString()
	q.CreatedAt = s.now()
	q.FareBreakdown = fare

	if err := s.quotes.Save(ctx, q, s.config.QuoteTTL); err != nil {
		metrics.FareQuotes.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}

	metrics.FareQuotes.WithLabelValues(metrics.OutcomeOK).Inc()
	s.logger.Debug("fare quoted",
		logger.UserID(q.UserID),
		logger.String("fare_id", q.FareID),
		logger.Float64("distance_km", distanceKm),
		logger.Float64("total_fare", fare.TotalFare),
	)
	return q, nil
}

// Validate returns the quote when fareID exists and was issued to userID
func (s *Service) Validate(ctx context.Context, fareID, userID string) (*Quote, error) {
	if fareID == "" {
		return nil, ErrInvalidFare
	}
	q, err := s.quotes.Get(ctx, fareID)
	if errors.Is(err, ErrQuoteNotFound) {
		return nil, ErrInvalidFare
	}
	if err != nil {
		return nil, err
	}
	if q.UserID != userID {
		s.logger.Warn("fare quote used by another user",
			logger.String("fare_id", fareID), logger.UserID(userID))
		return nil, ErrInvalidFare
	}
	return q, nil
}

// Redeem validates the quote and consumes it. A quote backs at most one
// trip; a second redeem gets ErrInvalidFare.
func (s *Service) Redeem(ctx context.Context, fareID, userID string) (*Quote, error) {
	q, err := s.Validate(ctx, fareID, userID)
	if err != nil {
		return nil, err
	}
	err = s.quotes.Consume(ctx, fareID)
	if errors.Is(err, ErrQuoteNotFound) {
		s.logger.Warn("fare quote already redeemed",
			logger.String("fare_id", fareID), logger.UserID(userID))
		return nil, ErrInvalidFare
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}
