// Package routing converts addresses to coordinates and coordinate pairs to
// driving routes.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gocomet/ride-coordination/internal/geo"
)

var (
	ErrNotFound = errors.New("address not found")
	ErrNoRoute  = errors.New("no route between points")
	// ErrTransient wraps failures that may succeed on retry: timeouts,
	// connection errors and 5xx responses.
	ErrTransient = errors.New("routing service unavailable")
)

// Route is a driving route between two points
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
	Polyline        string  `json:"polyline,omitempty"`
	// Estimated is set when the route was approximated locally
	Estimated bool `json:"estimated,omitempty"`
}

// DistanceKm returns the route length in kilometers
func (r Route) DistanceKm() float64 {
	return r.DistanceMeters / 1000
}

// DistanceText renders the distance for display, e.g. "850 m" or "3.4 km"
func (r Route) DistanceText() string {
	return FormatDistance(r.DistanceMeters)
}

// DurationText renders the duration for display, e.g. "12 min" or "1 h 5 min"
func (r Route) DurationText() string {
	return FormatDuration(r.DurationSeconds)
}

// Geocoder resolves addresses
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geo.Point, error)
}

// Router computes driving routes
type Router interface {
	Route(ctx context.Context, from, to geo.Point) (*Route, error)
}

// Service is the full routing dependency
type Service interface {
	Geocoder
	Router
}

// FormatDistance renders meters as "850 m" below one kilometer and with one
// decimal above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d m", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// FormatDuration renders seconds rounded up to whole minutes.
func FormatDuration(seconds float64) string {
	minutes := int(math.Ceil(seconds / 60))
	if minutes < 1 {
		minutes = 1
	}
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	h, m := minutes/60, minutes%60
	if m == 0 {
		return fmt.Sprintf("%d h", h)
	}
	return fmt.Sprintf("%d h %d min", h, m)
}

const (
	// citySpeedMps is about 28.8 km/h
	citySpeedMps = 8.0
	detourFactor = 1.3
)

// Estimate approximates a route from the great-circle distance when no
// routing engine is reachable.
func Estimate(from, to geo.Point) *Route {
	d := geo.DistanceMeters(from, to) * detourFactor
	return &Route{
		DistanceMeters:  d,
		DurationSeconds: d / citySpeedMps,
		Estimated:       true,
	}
}
