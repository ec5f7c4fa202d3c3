package routing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocomet/ride-coordination/internal/geo"
)

var (
	colonial = geo.Point{Lat: 18.4735, Lng: -69.8849}
	piantini = geo.Point{Lat: 18.4719, Lng: -69.9386}
)

func TestOSRMClient_Route(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":6120.5,"duration":754.2,"geometry":"abc_xyz"}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL, time.Second)
	r, err := c.Route(context.Background(), colonial, piantini)
	require.NoError(t, err)

	assert.Equal(t, "/route/v1/driving/-69.884900,18.473500;-69.938600,18.471900", path)
	assert.Equal(t, 6120.5, r.DistanceMeters)
	assert.Equal(t, "abc_xyz", r.Polyline)
	assert.Equal(t, "6.1 km", r.DistanceText())
	assert.Equal(t, "13 min", r.DurationText())
}

func TestOSRMClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"no route", http.StatusOK, `{"code":"NoRoute","routes":[]}`, ErrNoRoute},
		{"server error", http.StatusBadGateway, ``, ErrTransient},
		{"garbage", http.StatusOK, `not json`, ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOSRMClient(srv.URL, time.Second).Route(context.Background(), colonial, piantini)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOSRMClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewOSRMClient(url, time.Second).Route(context.Background(), colonial, piantini)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestNominatimClient_Geocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "do", r.URL.Query().Get("countrycodes"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		if r.URL.Query().Get("q") == "nowhere" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"lat":"18.4735","lon":"-69.8849"}]`))
	}))
	defer srv.Close()

	c := NewNominatimClient(srv.URL, "do", time.Second)

	p, err := c.Geocode(context.Background(), "Zona Colonial, Santo Domingo")
	require.NoError(t, err)
	assert.Equal(t, colonial, p)

	_, err = c.Geocode(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Geocode(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNominatimClient_CoordinateShortCircuit(t *testing.T) {
	c := NewNominatimClient("http://127.0.0.1:1", "", time.Second)
	p, err := c.Geocode(context.Background(), "18.4861, -69.9312")
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Lat: 18.4861, Lng: -69.9312}, p)
}

type countingRouter struct {
	calls atomic.Int32
	err   error
}

func (c *countingRouter) Route(ctx context.Context, from, to geo.Point) (*Route, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &Route{DistanceMeters: 1000, DurationSeconds: 120}, nil
}

type countingGeocoder struct {
	calls atomic.Int32
}

func (c *countingGeocoder) Geocode(ctx context.Context, address string) (geo.Point, error) {
	c.calls.Add(1)
	return colonial, nil
}

func TestCachedService(t *testing.T) {
	router := &countingRouter{}
	geocoder := &countingGeocoder{}
	cache := NewCache(30 * time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }
	svc := NewCachedService(geocoder, router, cache, time.Second)
	ctx := context.Background()

	_, err := svc.Route(ctx, colonial, piantini)
	require.NoError(t, err)
	// a few meters of jitter hits the same entry
	_, err = svc.Route(ctx, geo.Point{Lat: colonial.Lat + 0.00001, Lng: colonial.Lng}, piantini)
	require.NoError(t, err)
	assert.Equal(t, int32(1), router.calls.Load())

	now = now.Add(31 * time.Second)
	_, err = svc.Route(ctx, colonial, piantini)
	require.NoError(t, err)
	assert.Equal(t, int32(2), router.calls.Load())

	_, _ = svc.Geocode(ctx, "Zona Colonial")
	_, _ = svc.Geocode(ctx, "  zona   COLONIAL ")
	assert.Equal(t, int32(1), geocoder.calls.Load())
}

func TestCachedService_DoesNotCacheErrors(t *testing.T) {
	router := &countingRouter{err: errors.Join(ErrTransient, errors.New("timeout"))}
	svc := NewCachedService(&countingGeocoder{}, router, NewCache(time.Minute), time.Second).WithRetry(1, 0)

	_, err := svc.Route(context.Background(), colonial, piantini)
	assert.ErrorIs(t, err, ErrTransient)
	_, err = svc.Route(context.Background(), colonial, piantini)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(2), router.calls.Load())
}

func TestCachedService_RetriesTransient(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		status    int
		attempts  int
		wantCalls int32
		wantErr   error
	}{
		{"recovers after one failure", 1, http.StatusServiceUnavailable, 3, 2, nil},
		{"gives up at the bound", 5, http.StatusServiceUnavailable, 3, 3, ErrTransient},
		{"no retry on permanent failure", 5, http.StatusBadRequest, 3, 1, ErrNoRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
					return
				}
				_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":6120.5,"duration":754.2,"geometry":"abc_xyz"}]}`))
			}))
			defer srv.Close()

			svc := NewCachedService(&countingGeocoder{}, NewOSRMClient(srv.URL, time.Second), NewCache(time.Minute), time.Second).
				WithRetry(tt.attempts, time.Millisecond)
			r, err := svc.Route(context.Background(), colonial, piantini)

			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 6120.5, r.DistanceMeters)
		})
	}
}

func TestCachedService_RetryStopsOnCancel(t *testing.T) {
	router := &countingRouter{err: errors.Join(ErrTransient, errors.New("timeout"))}
	svc := NewCachedService(&countingGeocoder{}, router, NewCache(time.Minute), time.Second).WithRetry(5, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.Route(ctx, colonial, piantini)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), router.calls.Load())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "850 m", FormatDistance(849.6))
	assert.Equal(t, "3.4 km", FormatDistance(3412))
	assert.Equal(t, "1 min", FormatDuration(5))
	assert.Equal(t, "12 min", FormatDuration(700))
	assert.Equal(t, "1 h", FormatDuration(3600))
	assert.Equal(t, "1 h 5 min", FormatDuration(3900))
}

func TestEstimate(t *testing.T) {
	r := Estimate(colonial, piantini)
	assert.True(t, r.Estimated)
	assert.InDelta(t, geo.DistanceMeters(colonial, piantini)*1.3, r.DistanceMeters, 0.001)
	assert.InDelta(t, r.DistanceMeters/8, r.DurationSeconds, 0.001)
}
