package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestConfig returns a test configuration
func getTestConfig() Config {
	return DefaultConfig()
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		distanceKm float64
		total      float64
		commission float64
		earnings   float64
	}{
		{
			name:       "10km",
			distanceKm: 10,
			total:      300.00, // 10*30
			commission: 15.00,
			earnings:   285.00,
		},
		{
			name:       "short trip clamps to minimum",
			distanceKm: 0.8,
			total:      50.00,
			commission: 2.50,
			earnings:   47.50,
		},
		{
			name:       "fractional distance",
			distanceKm: 7.5,
			total:      225.00,
			commission: 11.25,
			earnings:   213.75,
		},
		{
			name:       "rounds to cents",
			distanceKm: 3.3333,
			total:      100.00, // 99.999
			commission: 5.00,
			earnings:   95.00,
		},
		{
			name:       "max distance",
			distanceKm: 100,
			total:      3000.00,
			commission: 150.00,
			earnings:   2850.00,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fare, err := Calculate(getTestConfig(), tt.distanceKm)
			require.NoError(t, err)
			assert.InDelta(t, tt.total, fare.TotalFare, 0.001)
			assert.InDelta(t, tt.commission, fare.PlatformCommission, 0.001)
			assert.InDelta(t, tt.earnings, fare.DriverEarnings, 0.001)
			assert.InDelta(t, fare.TotalFare, fare.PlatformCommission+fare.DriverEarnings, 0.001)
		})
	}
}

func TestCalculate_InvalidDistance(t *testing.T) {
	for _, d := range []float64{0, -3, 100.01, math.NaN()} {
		_, err := Calculate(getTestConfig(), d)
		assert.ErrorIs(t, err, ErrInvalidDistance, "distance %v", d)
	}
}

func TestCalculate_SumInvariant(t *testing.T) {
	cfg := getTestConfig()
	for d := 0.1; d <= 100; d += 0.37 {
		fare, err := Calculate(cfg, d)
		require.NoError(t, err)
		assert.InDelta(t, fare.TotalFare, fare.PlatformCommission+fare.DriverEarnings, 0.005, "distance %v", d)
		assert.GreaterOrEqual(t, fare.TotalFare, cfg.MinimumFare)
	}
}

func TestDriverEarnings(t *testing.T) {
	assert.InDelta(t, 285.00, DriverEarnings(300, 0.05), 0.001)
	assert.InDelta(t, 47.50, DriverEarnings(50, 0.05), 0.001)
	assert.InDelta(t, 100.00, DriverEarnings(100, 0), 0.001)
}

func BenchmarkCalculate(b *testing.B) {
	cfg := getTestConfig()
	for i := 0; i < b.N; i++ {
		_, _ = Calculate(cfg, 12.5)
	}
}
