package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocomet/ride-coordination/internal/geo"
)

// NominatimClient geocodes addresses with a Nominatim-compatible search API.
type NominatimClient struct {
	Endpoint    string
	Client      *http.Client
	CountryCode string
	UserAgent   string
}

// NewNominatimClient creates a geocoder biased to countryCode (may be empty)
func NewNominatimClient(endpoint, countryCode string, timeout time.Duration) *NominatimClient {
	return &NominatimClient{
		Endpoint:    strings.TrimRight(endpoint, "/"),
		Client:      &http.Client{Timeout: timeout},
		CountryCode: countryCode,
		UserAgent:   "ride-coordination/1.0",
	}
}

// tryParseLatLng returns the point if address looks like "lat,lng"
func tryParseLatLng(address string) (geo.Point, bool) {
	parts := strings.Split(strings.TrimSpace(address), ",")
	if len(parts) != 2 {
		return geo.Point{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return geo.Point{}, false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}

// Geocode returns the best match for address
func (n *NominatimClient) Geocode(ctx context.Context, address string) (p geo.Point, err error) {
	if strings.TrimSpace(address) == "" {
		return geo.Point{}, fmt.Errorf("%w: empty address", ErrNotFound)
	}
	if p, ok := tryParseLatLng(address); ok {
		return p, nil
	}

	start := time.Now()
	defer func() { observe("geocode", start, err) }()

	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "json")
	params.Set("limit", "1")
	if n.CountryCode != "" {
		params.Set("countrycodes", n.CountryCode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/search?"+params.Encode(), nil)
	if err != nil {
		return geo.Point{}, fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", n.UserAgent)

	resp, err := n.Client.Do(req)
	if err != nil {
		return geo.Point{}, fmt.Errorf("%w: geocode: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return geo.Point{}, fmt.Errorf("%w: geocode status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return geo.Point{}, fmt.Errorf("geocode: unexpected status %d", resp.StatusCode)
	}

	var results []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return geo.Point{}, fmt.Errorf("%w: geocode decode: %v", ErrTransient, err)
	}
	if len(results) == 0 {
		return geo.Point{}, fmt.Errorf("%w: %q", ErrNotFound, address)
	}

	lat, err1 := strconv.ParseFloat(results[0].Lat, 64)
	lng, err2 := strconv.ParseFloat(results[0].Lon, 64)
	if err := errors.Join(err1, err2); err != nil {
		return geo.Point{}, fmt.Errorf("geocode: invalid coordinates: %w", err)
	}
	return geo.Point{Lat: lat, Lng: lng}, nil
}
