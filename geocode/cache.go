package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var placesBucket = []byte("places")

// Cache wraps a Geocoder with a persistent bbolt-backed result cache.
//
// Keys are coordinates rounded to three decimal places (roughly 110 m),
// which is well within the precision photo EXIF coordinates carry. Negative
// results are cached too so an ocean shot does not hit the resolver on
// every retry.
type Cache struct {
	inner  Geocoder
	db     *bolt.DB
	logger logrus.FieldLogger
}

// cacheEntry is the stored representation. Found distinguishes a cached
// miss from an absent key.
type cacheEntry struct {
	Found bool   `json:"found"`
	Place *Place `json:"place,omitempty"`
}

// NewCache opens (or creates) the cache file at path and wraps inner.
func NewCache(path string, inner Geocoder, logger logrus.FieldLogger) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open geocode cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(placesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init geocode cache: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{inner: inner, db: db, logger: logger}, nil
}

// Close closes the underlying cache file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// cacheKey rounds coordinates so nearby lookups share an entry.
func cacheKey(lat, lon float64) []byte {
	return []byte(fmt.Sprintf("%.3f,%.3f", lat, lon))
}

// ReverseGeocode consults the cache before delegating to the wrapped
// resolver. Resolver failures are not cached.
func (c *Cache) ReverseGeocode(ctx context.Context, lat, lon float64) (*Place, error) {
	if err := validCoords(lat, lon); err != nil {
		return nil, err
	}

	key := cacheKey(lat, lon)

	var hit *cacheEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(placesBucket).Get(key)
		if raw == nil {
			return nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Corrupt entry; treat as a miss and overwrite below.
			return nil
		}
		hit = &entry
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("geocode cache read: %w", err)
	}
	if hit != nil {
		c.logger.WithFields(logrus.Fields{
			"lat": lat,
			"lon": lon,
		}).Debug("geocode cache hit")
		return hit.Place, nil
	}

	place, err := c.inner.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return nil, err
	}

	entry := cacheEntry{Found: place != nil, Place: place}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("geocode cache marshal: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(placesBucket).Put(key, raw)
	})
	if err != nil {
		// A failed cache write should not fail the lookup.
		c.logger.WithError(err).Warn("geocode cache write failed")
	}
	return place, nil
}
