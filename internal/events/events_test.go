package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-coordination/internal/domain/trip"
)

type fakeRecorder struct {
	eventType string
	params    map[string]interface{}
}

func (f *fakeRecorder) RecordCustomEvent(eventType string, params map[string]interface{}) {
	f.eventType = eventType
	f.params = params
}

type failingPublisher struct{ closed bool }

func (f *failingPublisher) Publish(context.Context, TripEvent) error {
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error {
	f.closed = true
	return nil
}

func TestNewTripEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	tr := &trip.Trip{ID: "t1", Status: trip.StatusAccepted, FareTotal: 300, DriverEarnings: 285}

	e := NewTripEvent(tr, trip.EventAccept, "d1", at)
	assert.Equal(t, "t1", e.TripID)
	assert.Equal(t, trip.EventAccept, e.Event)
	assert.Equal(t, trip.StatusAccepted, e.Status)
	assert.Equal(t, "d1", e.ActorID)
	assert.Equal(t, 285.0, e.DriverEarnings)
	assert.Equal(t, at, e.At)
}

func TestRecorderPublisher(t *testing.T) {
	rec := &fakeRecorder{}
	p := NewRecorderPublisher(rec)

	require.NoError(t, p.Publish(context.Background(), TripEvent{TripID: "t1", Event: trip.EventComplete, Status: trip.StatusCompleted}))
	assert.Equal(t, "TripTransition", rec.eventType)
	assert.Equal(t, "complete", rec.params["event"])
	assert.Equal(t, "completed", rec.params["status"])
}

func TestMulti(t *testing.T) {
	rec := &fakeRecorder{}
	failing := &failingPublisher{}
	m := Multi{failing, NewRecorderPublisher(rec), Nop{}}

	err := m.Publish(context.Background(), TripEvent{TripID: "t1"})
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, "TripTransition", rec.eventType, "later publishers still run")

	require.NoError(t, m.Close())
	assert.True(t, failing.closed)
}
