package geo

import (
	"errors"
	"math"
	"time"

	"github.com/gocomet/ride-coordination/internal/domain/user"
)

// Sample is one raw position reading from a device.
type Sample struct {
	Lat            float64  `json:"lat"`
	Lng            float64  `json:"lng"`
	AccuracyMeters float64  `json:"accuracy_meters"`
	CapturedAtMs   int64    `json:"captured_at_epoch_ms"`
	HeadingDegrees *float64 `json:"heading_degrees,omitempty"`
	SpeedMps       *float64 `json:"speed_mps,omitempty"`
}

// Point returns the sample's coordinate
func (s Sample) Point() Point {
	return Point{Lat: s.Lat, Lng: s.Lng}
}

// CapturedAt returns the capture time
func (s Sample) CapturedAt() time.Time {
	return time.UnixMilli(s.CapturedAtMs)
}

// Rejection reasons. These are best-effort anti-spoofing heuristics, not a
// security boundary.
var (
	ErrNotNumeric      = errors.New("coordinates are not finite numbers")
	ErrOutOfBounds     = errors.New("outside service area")
	ErrLowAccuracy     = errors.New("accuracy above threshold")
	ErrStale           = errors.New("sample too old")
	ErrIntegerCoords   = errors.New("integer coordinates look simulated")
	ErrDenylisted      = errors.New("matches a known test coordinate")
	ErrImplausibleJump = errors.New("implied speed above limit")
)

// StationaryRadiusMeters is how far a party may drift and still count as stationary
const StationaryRadiusMeters = 5

// DefaultDenylist holds emulator and simulator default fixes.
var DefaultDenylist = []Point{
	{Lat: 0, Lng: 0},
	{Lat: 37.4219983, Lng: -122.084},
	{Lat: 37.33233141, Lng: -122.0312186},
	{Lat: 37.785834, Lng: -122.406417},
}

// ValidatorConfig configures sample validation
type ValidatorConfig struct {
	Bounds                 Bounds
	DriverAccuracyMeters   float64
	RiderAccuracyMeters    float64
	MaxSampleAge           time.Duration
	Denylist               []Point
	DenylistRadiusMeters   float64
	MaxSpeedKmh            float64
	StationaryWarnDuration time.Duration
}

// DefaultValidatorConfig returns the production thresholds around Santo Domingo.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Bounds:                 Bounds{MinLat: 17.3, MaxLat: 20.0, MinLng: -72.1, MaxLng: -68.2},
		DriverAccuracyMeters:   100,
		RiderAccuracyMeters:    200,
		MaxSampleAge:           30 * time.Second,
		Denylist:               DefaultDenylist,
		DenylistRadiusMeters:   10,
		MaxSpeedKmh:            120,
		StationaryWarnDuration: 30 * time.Second,
	}
}

// Validator applies the acceptance predicates to samples.
type Validator struct {
	cfg ValidatorConfig
	now func() time.Time
}

// NewValidator creates a validator. now defaults to time.Now.
func NewValidator(cfg ValidatorConfig, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	if cfg.DenylistRadiusMeters <= 0 {
		cfg.DenylistRadiusMeters = 10
	}
	return &Validator{cfg: cfg, now: now}
}

// Config returns the validator's configuration
func (v *Validator) Config() ValidatorConfig {
	return v.cfg
}

// AccuracyThreshold returns the accuracy limit for a role. Riders get the
// looser limit.
func (v *Validator) AccuracyThreshold(role user.Role) float64 {
	if role == user.RoleRider {
		return v.cfg.RiderAccuracyMeters
	}
	return v.cfg.DriverAccuracyMeters
}

// Check returns the first reason s is rejected, or nil.
func (v *Validator) Check(s Sample, role user.Role) error {
	if !finite(s.Lat) || !finite(s.Lng) || !finite(s.AccuracyMeters) || s.AccuracyMeters < 0 {
		return ErrNotNumeric
	}
	if !v.cfg.Bounds.Contains(s.Point()) {
		return ErrOutOfBounds
	}
	if s.AccuracyMeters > v.AccuracyThreshold(role) {
		return ErrLowAccuracy
	}
	age := v.now().Sub(s.CapturedAt())
	if age < 0 {
		age = -age
	}
	if age > v.cfg.MaxSampleAge {
		return ErrStale
	}
	if s.Lat == math.Trunc(s.Lat) || s.Lng == math.Trunc(s.Lng) {
		return ErrIntegerCoords
	}
	for _, p := range v.cfg.Denylist {
		if DistanceMeters(s.Point(), p) <= v.cfg.DenylistRadiusMeters {
			return ErrDenylisted
		}
	}
	return nil
}

// IsValid reports whether s passes every predicate for role.
func (v *Validator) IsValid(s Sample, role user.Role) bool {
	return v.Check(s, role) == nil
}

// Movement is the outcome of comparing two consecutive accepted samples.
type Movement struct {
	Plausible bool
	SpeedKmh  float64
}

// IsPlausibleMovement compares current against previous over elapsed and
// rejects implied speeds above the configured limit.
func (v *Validator) IsPlausibleMovement(current, previous Sample, elapsed time.Duration) Movement {
	meters := DistanceMeters(current.Point(), previous.Point())
	if elapsed <= 0 {
		// Two fixes at the same instant can only agree on position.
		return Movement{Plausible: meters <= current.AccuracyMeters+previous.AccuracyMeters}
	}
	speed := meters / elapsed.Seconds() * 3.6
	return Movement{Plausible: speed <= v.cfg.MaxSpeedKmh, SpeedKmh: speed}
}

// IsStationary reports whether current is still within StationaryRadiusMeters
// of anchor after the warning window. It is a soft signal only.
func (v *Validator) IsStationary(current, anchor Sample) bool {
	if DistanceMeters(current.Point(), anchor.Point()) > StationaryRadiusMeters {
		return false
	}
	return current.CapturedAt().Sub(anchor.CapturedAt()) > v.cfg.StationaryWarnDuration
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
