package trip

import (
	"math"
	"time"
)

// Status is the lifecycle state of a trip. It is the single source of truth
// for which operations are legal.
type Status string

const (
	StatusSearching     Status = "searching"
	StatusAccepted      Status = "accepted"
	StatusDriverArrived Status = "driver_arrived"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
)

// IsValid checks if the status is one of the lifecycle states
func (s Status) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasDriver reports whether a trip in status s has been accepted by a driver
func (s Status) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusDriverArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Location is the last known position of one party, written only by that party.
type Location struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters"`
	SampledAtMs    int64   `json:"sampled_at_epoch_ms"`
}

// Trip is one ride request through its full lifecycle. Trips are never
// deleted; completed and cancelled are terminal states.
type Trip struct {
	ID         string `json:"id"`
	RiderID    string `json:"rider_id"`
	RiderName  string `json:"rider_name"`
	RiderPhone string `json:"rider_phone,omitempty"`

	Origin      string `json:"origin"`
	Destination string `json:"destination"`

	DistanceKm         float64 `json:"distance_km"`
	FareTotal          float64 `json:"fare_total"`
	PlatformCommission float64 `json:"platform_commission"`
	DriverEarnings     float64 `json:"driver_earnings"`
	EstimatedDuration  string  `json:"estimated_duration,omitempty"`
	FareID             string  `json:"fare_id,omitempty"`

	Status Status `json:"status"`

	DriverID    string `json:"driver_id,omitempty"`
	DriverName  string `json:"driver_name,omitempty"`
	DriverPhone string `json:"driver_phone,omitempty"`

	DriverLocation *Location `json:"driver_location,omitempty"`
	RiderLocation  *Location `json:"rider_location,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	ArrivalMessage string `json:"arrival_message,omitempty"`
	CancelledBy    string `json:"cancelled_by,omitempty"`
}

// Clone returns a deep copy so stored documents are never aliased by callers.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	if t.DriverLocation != nil {
		loc := *t.DriverLocation
		c.DriverLocation = &loc
	}
	if t.RiderLocation != nil {
		loc := *t.RiderLocation
		c.RiderLocation = &loc
	}
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.ArrivedAt = cloneTime(t.ArrivedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	return &c
}

// LatestTimestamp returns the most recent lifecycle timestamp set on the trip.
func (t *Trip) LatestTimestamp() time.Time {
	latest := t.CreatedAt
	for _, ts := range []*time.Time{t.AcceptedAt, t.ArrivedAt, t.StartedAt, t.CompletedAt, t.CancelledAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// FareBalanced reports whether fareTotal == platformCommission + driverEarnings
// to the cent.
func (t *Trip) FareBalanced() bool {
	return math.Abs(t.FareTotal-(t.PlatformCommission+t.DriverEarnings)) < 0.005
}

// Validate checks the creation fields of a new trip
func (t *Trip) Validate() error {
	if t.RiderID == "" || t.RiderName == "" {
		return ErrInvalidTrip
	}
	if t.Origin == "" || t.Destination == "" {
		return ErrInvalidTrip
	}
	if t.DistanceKm <= 0 || t.FareTotal <= 0 {
		return ErrInvalidTrip
	}
	if !t.FareBalanced() {
		return ErrInvalidTrip
	}
	return nil
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status *Status

	DriverID    *string
	DriverName  *string
	DriverPhone *string

	DriverLocation *Location
	RiderLocation  *Location

	AcceptedAt  *time.Time
	ArrivedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	ArrivalMessage *string
	CancelledBy    *string
}

// Apply writes the non-nil fields of p onto t.
func (p Patch) Apply(t *Trip) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DriverID != nil {
		t.DriverID = *p.DriverID
	}
	if p.DriverName != nil {
		t.DriverName = *p.DriverName
	}
	if p.DriverPhone != nil {
		t.DriverPhone = *p.DriverPhone
	}
	if p.DriverLocation != nil {
		loc := *p.DriverLocation
		t.DriverLocation = &loc
	}
	if p.RiderLocation != nil {
		loc := *p.RiderLocation
		t.RiderLocation = &loc
	}
	if p.AcceptedAt != nil {
		t.AcceptedAt = cloneTime(p.AcceptedAt)
	}
	if p.ArrivedAt != nil {
		t.ArrivedAt = cloneTime(p.ArrivedAt)
	}
	if p.StartedAt != nil {
		t.StartedAt = cloneTime(p.StartedAt)
	}
	if p.CompletedAt != nil {
		t.CompletedAt = cloneTime(p.CompletedAt)
	}
	if p.CancelledAt != nil {
		t.CancelledAt = cloneTime(p.CancelledAt)
	}
	if p.ArrivalMessage != nil {
		t.ArrivalMessage = *p.ArrivalMessage
	}
	if p.CancelledBy != nil {
		t.CancelledBy = *p.CancelledBy
	}
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
