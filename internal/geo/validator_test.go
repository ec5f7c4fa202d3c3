package geo

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gocomet/ride-coordination/internal/domain/user"
)

var fixedNow = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return NewValidator(DefaultValidatorConfig(), func() time.Time { return fixedNow })
}

func goodSample() Sample {
	return Sample{
		Lat:            18.4861,
		Lng:            -69.9312,
		AccuracyMeters: 15,
		CapturedAtMs:   fixedNow.Add(-2 * time.Second).UnixMilli(),
	}
}

func TestValidator_Check(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name    string
		mutate  func(s *Sample)
		role    user.Role
		wantErr error
	}{
		{"accepted", func(s *Sample) {}, user.RoleDriver, nil},
		{"nan latitude", func(s *Sample) { s.Lat = math.NaN() }, user.RoleDriver, ErrNotNumeric},
		{"infinite accuracy", func(s *Sample) { s.AccuracyMeters = math.Inf(1) }, user.RoleDriver, ErrNotNumeric},
		{"outside service area", func(s *Sample) { s.Lat, s.Lng = 40.7128, -74.006 }, user.RoleDriver, ErrOutOfBounds},
		{"driver accuracy 150m", func(s *Sample) { s.AccuracyMeters = 150 }, user.RoleDriver, ErrLowAccuracy},
		{"rider accuracy 150m", func(s *Sample) { s.AccuracyMeters = 150 }, user.RoleRider, nil},
		{"rider accuracy 250m", func(s *Sample) { s.AccuracyMeters = 250 }, user.RoleRider, ErrLowAccuracy},
		{"stale by 31s", func(s *Sample) { s.CapturedAtMs = fixedNow.Add(-31 * time.Second).UnixMilli() }, user.RoleDriver, ErrStale},
		{"future by 31s", func(s *Sample) { s.CapturedAtMs = fixedNow.Add(31 * time.Second).UnixMilli() }, user.RoleDriver, ErrStale},
		{"integer latitude", func(s *Sample) { s.Lat = 18 }, user.RoleDriver, ErrIntegerCoords},
		{"integer longitude", func(s *Sample) { s.Lng = -70 }, user.RoleRider, ErrIntegerCoords},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := goodSample()
			tt.mutate(&s)
			err := v.Check(s, tt.role)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.True(t, v.IsValid(s, tt.role))
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, v.IsValid(s, tt.role))
		})
	}
}

func TestValidator_Denylist(t *testing.T) {
	cfg := DefaultValidatorConfig()
	testPoint := Point{Lat: 18.4700, Lng: -69.9000}
	cfg.Denylist = []Point{testPoint}
	v := NewValidator(cfg, func() time.Time { return fixedNow })

	s := goodSample()
	s.Lat, s.Lng = testPoint.Lat+0.00005, testPoint.Lng // ~5.5m away
	assert.ErrorIs(t, v.Check(s, user.RoleDriver), ErrDenylisted)

	s.Lat = testPoint.Lat + 0.0002 // ~22m away
	assert.NoError(t, v.Check(s, user.RoleDriver))
}

// Random samples that violate accuracy, integer or denylist rules must never
// pass, whatever else they carry.
func TestValidator_RejectsBadSamplesProperty(t *testing.T) {
	cfg := DefaultValidatorConfig()
	denied := Point{Lat: 18.5001, Lng: -69.8801}
	cfg.Denylist = append(cfg.Denylist, denied)
	v := NewValidator(cfg, func() time.Time { return fixedNow })
	rng := rand.New(rand.NewSource(42))

	randomSample := func() Sample {
		return Sample{
			Lat:            cfg.Bounds.MinLat + rng.Float64()*(cfg.Bounds.MaxLat-cfg.Bounds.MinLat),
			Lng:            cfg.Bounds.MinLng + rng.Float64()*(cfg.Bounds.MaxLng-cfg.Bounds.MinLng),
			AccuracyMeters: rng.Float64() * 300,
			CapturedAtMs:   fixedNow.Add(-time.Duration(rng.Intn(60000)) * time.Millisecond).UnixMilli(),
		}
	}

	for i := 0; i < 2000; i++ {
		s := randomSample()
		role := user.RoleDriver
		if rng.Intn(2) == 0 {
			role = user.RoleRider
		}

		switch rng.Intn(3) {
		case 0:
			s.AccuracyMeters = v.AccuracyThreshold(role) + 1 + rng.Float64()*500
		case 1:
			s.Lat = math.Round(s.Lat)
			if !cfg.Bounds.Contains(s.Point()) {
				s.Lat = 18
			}
		case 2:
			s.Lat = denied.Lat + (rng.Float64()-0.5)*0.00008
			s.Lng = denied.Lng + (rng.Float64()-0.5)*0.00008
		}

		assert.False(t, v.IsValid(s, role), "sample %d accepted: %+v", i, s)
	}
}

func TestValidator_IsPlausibleMovement(t *testing.T) {
	v := newTestValidator()
	prev := goodSample()

	// ~111m in 10s is 40 km/h
	cur := prev
	cur.Lat += 0.001
	m := v.IsPlausibleMovement(cur, prev, 10*time.Second)
	assert.True(t, m.Plausible)
	assert.InDelta(t, 40, m.SpeedKmh, 1)

	// ~1.1km in 10s is 400 km/h
	jump := prev
	jump.Lat += 0.01
	m = v.IsPlausibleMovement(jump, prev, 10*time.Second)
	assert.False(t, m.Plausible)
	assert.Greater(t, m.SpeedKmh, 120.0)

	// Same instant, within combined accuracy
	m = v.IsPlausibleMovement(cur, prev, 0)
	assert.False(t, m.Plausible)
	m = v.IsPlausibleMovement(prev, prev, 0)
	assert.True(t, m.Plausible)
}

func TestValidator_IsStationary(t *testing.T) {
	v := newTestValidator()
	anchor := goodSample()

	still := anchor
	still.CapturedAtMs = anchor.CapturedAtMs + (31 * time.Second).Milliseconds()
	assert.True(t, v.IsStationary(still, anchor))

	recent := anchor
	recent.CapturedAtMs = anchor.CapturedAtMs + (10 * time.Second).Milliseconds()
	assert.False(t, v.IsStationary(recent, anchor))

	moved := still
	moved.Lat += 0.001
	assert.False(t, v.IsStationary(moved, anchor))
}
