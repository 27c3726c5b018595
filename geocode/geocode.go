// Package geocode resolves photo coordinates to human-readable places.
//
// The production resolver talks to OpenStreetMap Nominatim. Because the
// pipeline may reprocess photos and retries replay stages, lookups are
// wrapped in a persistent cache keyed by rounded coordinates so the
// external service sees each distinct location once.
package geocode

import (
	"context"
	"fmt"

	geo "github.com/codingsince1985/geo-golang"
	"github.com/codingsince1985/geo-golang/openstreetmap"
)

// Place is a resolved location.
type Place struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Name    string `json:"name"`
}

// Geocoder resolves coordinates to a place. Implementations must be safe
// for concurrent use. A nil result with nil error means the coordinates
// resolved to nothing (e.g. open ocean).
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (*Place, error)
}

// OSM resolves places through OpenStreetMap Nominatim.
type OSM struct {
	geocoder geo.Geocoder
}

// NewOSM returns a Nominatim-backed Geocoder.
func NewOSM() *OSM {
	return &OSM{geocoder: openstreetmap.Geocoder()}
}

// ReverseGeocode resolves the given coordinates.
func (o *OSM) ReverseGeocode(ctx context.Context, lat, lon float64) (*Place, error) {
	if err := validCoords(lat, lon); err != nil {
		return nil, err
	}
	// The underlying client has no context plumbing; honor cancellation
	// at least on entry.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr, err := o.geocoder.ReverseGeocode(lat, lon)
	if err != nil {
		return nil, fmt.Errorf("reverse geocoding (%f, %f): %w", lat, lon, err)
	}
	if addr == nil {
		return nil, nil
	}

	place := &Place{
		Country: addr.Country,
		City:    addr.City,
		Name:    addr.FormattedAddress,
	}
	if place.City == "" {
		place.City = addr.Suburb
	}
	if place.Name == "" {
		place.Name = joinNonEmpty(place.City, addr.State, place.Country)
	}
	return place, nil
}

func validCoords(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %f out of range", lon)
	}
	return nil
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += p
	}
	return out
}
