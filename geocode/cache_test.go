package geocode

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// fakeGeocoder counts calls and returns a canned place.
type fakeGeocoder struct {
	calls int
	place *Place
	err   error
}

func (f *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (*Place, error) {
	f.calls++
	return f.place, f.err
}

func newTestCache(t *testing.T, inner Geocoder) *Cache {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "geocode.db"), inner, nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheHitSkipsResolver(t *testing.T) {
	fake := &fakeGeocoder{place: &Place{Country: "France", City: "Paris", Name: "Paris, France"}}
	cache := newTestCache(t, fake)
	ctx := context.Background()

	first, err := cache.ReverseGeocode(ctx, 48.8584, 2.2945)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if first == nil || first.City != "Paris" {
		t.Fatalf("first = %+v", first)
	}

	second, err := cache.ReverseGeocode(ctx, 48.8584, 2.2945)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second == nil || second.City != "Paris" {
		t.Fatalf("second = %+v", second)
	}
	if fake.calls != 1 {
		t.Errorf("resolver called %d times, expected 1", fake.calls)
	}

	// Coordinates within rounding distance share the entry.
	if _, err := cache.ReverseGeocode(ctx, 48.85841, 2.29451); err != nil {
		t.Fatalf("nearby lookup: %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("resolver called %d times for nearby coords, expected 1", fake.calls)
	}
}

func TestCacheStoresNegativeResults(t *testing.T) {
	fake := &fakeGeocoder{place: nil}
	cache := newTestCache(t, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		place, err := cache.ReverseGeocode(ctx, 0.0, -30.0)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if place != nil {
			t.Fatalf("lookup %d returned %+v for open ocean", i, place)
		}
	}
	if fake.calls != 1 {
		t.Errorf("resolver called %d times, expected 1", fake.calls)
	}
}

func TestCacheDoesNotCacheErrors(t *testing.T) {
	fake := &fakeGeocoder{err: errors.New("nominatim unavailable")}
	cache := newTestCache(t, fake)
	ctx := context.Background()

	if _, err := cache.ReverseGeocode(ctx, 10, 10); err == nil {
		t.Fatal("expected resolver error")
	}
	if _, err := cache.ReverseGeocode(ctx, 10, 10); err == nil {
		t.Fatal("expected resolver error on retry")
	}
	if fake.calls != 2 {
		t.Errorf("resolver called %d times, expected 2 (errors not cached)", fake.calls)
	}
}

func TestCacheRejectsBadCoordinates(t *testing.T) {
	cache := newTestCache(t, &fakeGeocoder{})

	if _, err := cache.ReverseGeocode(context.Background(), 91, 0); err == nil {
		t.Error("expected error for out-of-range latitude")
	}
	if _, err := cache.ReverseGeocode(context.Background(), 0, 181); err == nil {
		t.Error("expected error for out-of-range longitude")
	}
}
