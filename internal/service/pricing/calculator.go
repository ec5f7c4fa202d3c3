package pricing

import (
	"errors"
	"math"
	"time"
)

var (
	ErrInvalidDistance = errors.New("invalid distance")
	ErrInvalidFare     = errors.New("invalid fare")
)

// Config holds pricing configuration
type Config struct {
	PricePerKm    float64
	PlatformFee   float64
	MinimumFare   float64
	MaxDistanceKm float64
	QuoteTTL      time.Duration
}

// DefaultConfig returns the production fare table
func DefaultConfig() Config {
	return Config{
		PricePerKm:    30.00,
		PlatformFee:   0.05,
		MinimumFare:   50.00,
		MaxDistanceKm: 100,
		QuoteTTL:      30 * time.Minute,
	}
}

// FareBreakdown represents the breakdown of a fare. Total always equals
// PlatformCommission + DriverEarnings exactly.
type FareBreakdown struct {
	DistanceKm         float64 `json:"distance_km"`
	TotalFare          float64 `json:"total_fare"`
	PlatformCommission float64 `json:"platform_commission"`
	DriverEarnings     float64 `json:"driver_earnings"`
}

// Calculate prices a trip of distanceKm, clamping to the minimum fare.
func Calculate(cfg Config, distanceKm float64) (FareBreakdown, error) {
	if math.IsNaN(distanceKm) || distanceKm <= 0 || distanceKm > cfg.MaxDistanceKm {
		return FareBreakdown{}, ErrInvalidDistance
	}

	total := distanceKm * cfg.PricePerKm
	if total < cfg.MinimumFare {
		total = cfg.MinimumFare
	}
	total = roundCents(total)
	commission := roundCents(total * cfg.PlatformFee)

	return FareBreakdown{
		DistanceKm:         distanceKm,
		TotalFare:          total,
		PlatformCommission: commission,
		DriverEarnings:     roundCents(total - commission),
	}, nil
}

// DriverEarnings is the driver's share of fareTotal after the platform fee.
func DriverEarnings(fareTotal, feeRate float64) float64 {
	return roundCents(fareTotal - roundCents(fareTotal*feeRate))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
