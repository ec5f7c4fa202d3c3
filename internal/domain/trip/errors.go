package trip

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTripNotFound = errors.New("trip not found")
	// ErrStaleState is returned when a guarded update's expected status no
	// longer holds.
	ErrStaleState  = errors.New("trip state changed")
	ErrForbidden   = errors.New("actor not permitted for this trip")
	ErrInvalidTrip = errors.New("invalid trip data")
)

// StaleStateError carries the status observed when a guard failed so the
// caller can re-render instead of refetching blindly.
type StaleStateError struct {
	TripID   string
	Expected []Status
	Actual   Status
}

func (e *StaleStateError) Error() string {
	want := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		want[i] = string(s)
	}
	return fmt.Sprintf("trip %s: expected status in [%s], found %s",
		e.TripID, strings.Join(want, ","), e.Actual)
}

// Is makes errors.Is(err, ErrStaleState) hold for every StaleStateError.
func (e *StaleStateError) Is(target error) bool {
	return target == ErrStaleState
}
