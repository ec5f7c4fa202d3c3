package dto

import (
	"time"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
	"github.com/gocomet/ride-coordination/internal/domain/user"
	"github.com/gocomet/ride-coordination/internal/geo"
)

// SignUpRequest creates an account of either role
type SignUpRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	Phone       string `json:"phone"`
	Role        string `json:"role" binding:"required,oneof=rider driver"`
}

// Profile returns the profile part of the request
func (r SignUpRequest) Profile() user.Profile {
	return user.Profile{DisplayName: r.DisplayName, Phone: r.Phone, Role: user.Role(r.Role)}
}

// SignInRequest exchanges credentials for a token
type SignInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// QuoteRequest asks for a fare either by distance or by addresses
type QuoteRequest struct {
	DistanceKm  float64 `json:"distance_km"`
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
}

// ByRoute reports whether the quote should be routed between addresses
func (r QuoteRequest) ByRoute() bool {
	return r.Origin != "" && r.Destination != ""
}

// ValidateFareRequest checks a previously issued quote
type ValidateFareRequest struct {
	FareID string `json:"fare_id" binding:"required"`
}

// CreateTripRequest opens a trip from a quote
type CreateTripRequest struct {
	FareID      string `json:"fare_id" binding:"required"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// LocationRequest is one device fix
type LocationRequest struct {
	Lat            *float64 `json:"lat" binding:"required"`
	Lng            *float64 `json:"lng" binding:"required"`
	AccuracyMeters float64  `json:"accuracy_meters" binding:"gte=0"`
	CapturedAtMs   int64    `json:"captured_at_epoch_ms"`
	HeadingDegrees *float64 `json:"heading_degrees"`
	SpeedMps       *float64 `json:"speed_mps"`
}

// Sample converts the request, stamping now when the client sent no capture time
func (r LocationRequest) Sample(now time.Time) geo.Sample {
	s := geo.Sample{
		Lat:            *r.Lat,
		Lng:            *r.Lng,
		AccuracyMeters: r.AccuracyMeters,
		CapturedAtMs:   r.CapturedAtMs,
		HeadingDegrees: r.HeadingDegrees,
		SpeedMps:       r.SpeedMps,
	}
	if s.CapturedAtMs == 0 {
		s.CapturedAtMs = now.UnixMilli()
	}
	return s
}

// Location converts the request to the stored trip location
func (r LocationRequest) Location(now time.Time) *trip.Location {
	s := r.Sample(now)
	return &trip.Location{Lat: s.Lat, Lng: s.Lng, AccuracyMeters: s.AccuracyMeters, SampledAtMs: s.CapturedAtMs}
}

// AcceptTripRequest optionally carries the driver's position at accept time
type AcceptTripRequest struct {
	Location *LocationRequest `json:"location"`
}

// ArriveRequest carries an optional message for the rider
type ArriveRequest struct {
	Message string `json:"message"`
}

// AuthResponse is returned by sign-up and sign-in
type AuthResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      *user.User `json:"user"`
}

// TripsResponse wraps a trip history
type TripsResponse struct {
	Trips []*trip.Trip `json:"trips"`
	Count int          `json:"count"`
}

// Error response
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// CurrentStatus is set on conflicts so the client can re-render
	CurrentStatus string `json:"current_status,omitempty"`
}

// Success response
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
