package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lumaframe/lumaframe"
)

// UpsertPhoto inserts a photo row or, when the storage key is already
// known, refreshes the identity fields without disturbing enrichment
// columns that earlier pipeline runs may have filled in. Photo IDs are
// derived from storage keys, so repeated approvals and preprocessing runs
// for the same object converge on one row.
func (d *DB) UpsertPhoto(ctx context.Context, p *Photo) error {
	tags, err := marshalTags(p.Tags)
	if err != nil {
		return err
	}
	exif, err := marshalExif(p.Exif)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO photos (id, title, description, width, height, aspect_ratio,
		                    date_taken, storage_key, thumbnail_key, file_size,
		                    original_url, thumbnail_url, thumbnail_hash, tags, exif,
		                    latitude, longitude, country, city, location_name,
		                    is_live_photo, live_photo_video_url, live_photo_video_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE photos.title END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE photos.description END,
			width = COALESCE(excluded.width, photos.width),
			height = COALESCE(excluded.height, photos.height),
			aspect_ratio = COALESCE(excluded.aspect_ratio, photos.aspect_ratio),
			file_size = COALESCE(excluded.file_size, photos.file_size),
			original_url = CASE WHEN excluded.original_url != '' THEN excluded.original_url ELSE photos.original_url END,
			thumbnail_key = CASE WHEN excluded.thumbnail_key != '' THEN excluded.thumbnail_key ELSE photos.thumbnail_key END,
			thumbnail_url = CASE WHEN excluded.thumbnail_url != '' THEN excluded.thumbnail_url ELSE photos.thumbnail_url END,
			thumbnail_hash = CASE WHEN excluded.thumbnail_hash != '' THEN excluded.thumbnail_hash ELSE photos.thumbnail_hash END,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = d.db.ExecContext(ctx, query,
		p.ID, p.Title, p.Description, p.Width, p.Height, p.AspectRatio,
		p.DateTaken, p.StorageKey, p.ThumbnailKey, p.FileSize,
		p.OriginalURL, p.ThumbnailURL, p.ThumbnailHash, tags, exif,
		p.Latitude, p.Longitude, p.Country, p.City, p.LocationName,
		p.IsLivePhoto, p.LivePhotoVideoURL, p.LivePhotoVideoKey)
	if err != nil {
		if isConstraintErr(err) {
			return lumaframe.Conflictf("photo storage key %q already belongs to another photo", p.StorageKey)
		}
		return fmt.Errorf("failed to upsert photo %s: %w", p.ID, err)
	}
	return nil
}

// PhotoUpdate is an additive enrichment write produced by a pipeline stage.
// Only non-nil fields are written, so a failed later stage can never erase
// what an earlier stage recorded.
type PhotoUpdate struct {
	Title             *string
	Description       *string
	Width             *int
	Height            *int
	DateTaken         *time.Time
	FileSize          *int64
	ThumbnailKey      *string
	ThumbnailURL      *string
	ThumbnailHash     *string
	Tags              []string
	Exif              *lumaframe.ExifData
	Latitude          *float64
	Longitude         *float64
	Country           *string
	City              *string
	LocationName      *string
	IsLivePhoto       *bool
	LivePhotoVideoURL *string
	LivePhotoVideoKey *string
}

// IsZero reports whether the update carries no writes.
func (u *PhotoUpdate) IsZero() bool {
	return u == nil || (u.Title == nil && u.Description == nil && u.Width == nil &&
		u.Height == nil && u.DateTaken == nil && u.FileSize == nil &&
		u.ThumbnailKey == nil && u.ThumbnailURL == nil && u.ThumbnailHash == nil &&
		u.Tags == nil && u.Exif == nil && u.Latitude == nil && u.Longitude == nil &&
		u.Country == nil && u.City == nil && u.LocationName == nil &&
		u.IsLivePhoto == nil && u.LivePhotoVideoURL == nil && u.LivePhotoVideoKey == nil)
}

// ApplyPhotoUpdate writes the non-nil fields of upd to the photo row. When
// both dimensions are known after the write, the aspect ratio is recomputed
// in the same statement.
func (d *DB) ApplyPhotoUpdate(ctx context.Context, photoID string, upd *PhotoUpdate) error {
	if upd.IsZero() {
		return nil
	}

	var sets []string
	var args []interface{}

	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if upd.Title != nil {
		set("title", *upd.Title)
	}
	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.Width != nil {
		set("width", *upd.Width)
	}
	if upd.Height != nil {
		set("height", *upd.Height)
	}
	if upd.DateTaken != nil {
		set("date_taken", *upd.DateTaken)
	}
	if upd.FileSize != nil {
		set("file_size", *upd.FileSize)
	}
	if upd.ThumbnailKey != nil {
		set("thumbnail_key", *upd.ThumbnailKey)
	}
	if upd.ThumbnailURL != nil {
		set("thumbnail_url", *upd.ThumbnailURL)
	}
	if upd.ThumbnailHash != nil {
		set("thumbnail_hash", *upd.ThumbnailHash)
	}
	if upd.Tags != nil {
		tags, err := marshalTags(upd.Tags)
		if err != nil {
			return err
		}
		set("tags", tags)
	}
	if upd.Exif != nil {
		exif, err := marshalExif(upd.Exif)
		if err != nil {
			return err
		}
		set("exif", exif)
	}
	if upd.Latitude != nil {
		set("latitude", *upd.Latitude)
	}
	if upd.Longitude != nil {
		set("longitude", *upd.Longitude)
	}
	if upd.Country != nil {
		set("country", *upd.Country)
	}
	if upd.City != nil {
		set("city", *upd.City)
	}
	if upd.LocationName != nil {
		set("location_name", *upd.LocationName)
	}
	if upd.IsLivePhoto != nil {
		set("is_live_photo", *upd.IsLivePhoto)
	}
	if upd.LivePhotoVideoURL != nil {
		set("live_photo_video_url", *upd.LivePhotoVideoURL)
	}
	if upd.LivePhotoVideoKey != nil {
		set("live_photo_video_key", *upd.LivePhotoVideoKey)
	}

	sets = append(sets,
		"aspect_ratio = CASE WHEN width IS NOT NULL AND height IS NOT NULL AND height > 0 THEN CAST(width AS REAL) / height ELSE aspect_ratio END",
		"updated_at = CURRENT_TIMESTAMP")

	query := "UPDATE photos SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, photoID)

	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update photo %s: %w", photoID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update photo: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &lumaframe.NotFoundError{Resource: "photo", ID: photoID}
	}
	return nil
}

// GetPhoto retrieves a photo by ID. Returns nil if not found.
func (d *DB) GetPhoto(ctx context.Context, photoID string) (*Photo, error) {
	query := selectPhotoColumns + ` FROM photos WHERE id = ?`
	return d.scanPhoto(d.db.QueryRowContext(ctx, query, photoID))
}

// FindPhotoByBaseKey retrieves the photo whose storage key shares the given
// extension-stripped base. Used to link a live photo companion video, whose
// key differs from the photo's only by extension.
func (d *DB) FindPhotoByBaseKey(ctx context.Context, baseKey string) (*Photo, error) {
	query := selectPhotoColumns + ` FROM photos WHERE storage_key LIKE ? ESCAPE '\' LIMIT 1`
	pattern := escapeLike(baseKey) + ".%"
	return d.scanPhoto(d.db.QueryRowContext(ctx, query, pattern))
}

// escapeLike escapes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

const selectPhotoColumns = `
	SELECT id, title, description, width, height, aspect_ratio, date_taken,
	       storage_key, thumbnail_key, file_size, original_url, thumbnail_url,
	       thumbnail_hash, tags, exif, latitude, longitude, country, city,
	       location_name, is_live_photo, live_photo_video_url,
	       live_photo_video_key, created_at, updated_at
`

func (d *DB) scanPhoto(row rowScanner) (*Photo, error) {
	var p Photo
	var title, description, thumbKey, origURL, thumbURL, thumbHash sql.NullString
	var country, city, locationName, videoURL, videoKey sql.NullString
	var tags, exif sql.NullString
	var width, height sql.NullInt64
	var fileSize sql.NullInt64
	var aspectRatio, latitude, longitude sql.NullFloat64
	var dateTaken sql.NullTime

	err := row.Scan(
		&p.ID, &title, &description, &width, &height, &aspectRatio, &dateTaken,
		&p.StorageKey, &thumbKey, &fileSize, &origURL, &thumbURL,
		&thumbHash, &tags, &exif, &latitude, &longitude, &country, &city,
		&locationName, &p.IsLivePhoto, &videoURL,
		&videoKey, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan photo: %w", err)
	}

	p.Title = title.String
	p.Description = description.String
	p.ThumbnailKey = thumbKey.String
	p.OriginalURL = origURL.String
	p.ThumbnailURL = thumbURL.String
	p.ThumbnailHash = thumbHash.String
	p.Country = country.String
	p.City = city.String
	p.LocationName = locationName.String
	p.LivePhotoVideoURL = videoURL.String
	p.LivePhotoVideoKey = videoKey.String

	if width.Valid {
		w := int(width.Int64)
		p.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		p.Height = &h
	}
	if fileSize.Valid {
		p.FileSize = &fileSize.Int64
	}
	if aspectRatio.Valid {
		p.AspectRatio = &aspectRatio.Float64
	}
	if latitude.Valid {
		p.Latitude = &latitude.Float64
	}
	if longitude.Valid {
		p.Longitude = &longitude.Float64
	}
	if dateTaken.Valid {
		p.DateTaken = &dateTaken.Time
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("photo %s has corrupt tags: %w", p.ID, err)
		}
	}
	if exif.Valid && exif.String != "" {
		var data lumaframe.ExifData
		if err := json.Unmarshal([]byte(exif.String), &data); err != nil {
			return nil, fmt.Errorf("photo %s has corrupt exif: %w", p.ID, err)
		}
		p.Exif = &data
	}

	return &p, nil
}

func marshalTags(tags []string) (interface{}, error) {
	if tags == nil {
		return nil, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshaling tags: %w", err)
	}
	return string(data), nil
}

func marshalExif(exif *lumaframe.ExifData) (interface{}, error) {
	if exif == nil {
		return nil, nil
	}
	data, err := json.Marshal(exif)
	if err != nil {
		return nil, fmt.Errorf("marshaling exif: %w", err)
	}
	return string(data), nil
}
