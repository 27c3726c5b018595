package pipeline

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/lumaframe/lumaframe"
)

// parsedExif is the exif stage's view of a photo: display strings for the
// stored blob plus the structured values promoted to their own columns.
type parsedExif struct {
	Data      lumaframe.ExifData
	DateTaken *time.Time
	Latitude  *float64
	Longitude *float64
}

// parseExif extracts the retained EXIF subset from raw image bytes. Images
// without EXIF (screenshots, most PNGs) return an error from the decoder;
// callers treat that as "nothing to record", not a failure.
func parseExif(data []byte) (*parsedExif, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode exif: %w", err)
	}

	result := &parsedExif{
		Data: lumaframe.ExifData{
			Make:             stringField(x, exif.Make),
			Model:            stringField(x, exif.Model),
			LensModel:        stringField(x, exif.LensModel),
			FocalLength:      focalLengthField(x),
			FNumber:          fNumberField(x),
			ExposureTime:     exposureField(x),
			ISO:              isoField(x),
			DateTimeOriginal: stringField(x, exif.DateTimeOriginal),
			Software:         stringField(x, exif.Software),
		},
	}
	if orientation, err := intField(x, exif.Orientation); err == nil {
		result.Data.Orientation = orientation
	}

	if taken, err := x.DateTime(); err == nil {
		taken = taken.UTC()
		result.DateTaken = &taken
	}
	if lat, lon, err := x.LatLong(); err == nil {
		result.Latitude = &lat
		result.Longitude = &lon
	}
	return result, nil
}

func stringField(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return s
}

func intField(x *exif.Exif, name exif.FieldName) (int, error) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, err
	}
	return tag.Int(0)
}

func ratField(x *exif.Exif, name exif.FieldName) (num, den int64, err error) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, 0, err
	}
	if tag.Count < 1 {
		return 0, 0, fmt.Errorf("tag %s is empty", name)
	}
	return tag.Rat2(0)
}

// focalLengthField renders the focal length as "26mm".
func focalLengthField(x *exif.Exif) string {
	num, den, err := ratField(x, exif.FocalLength)
	if err != nil || den == 0 {
		return ""
	}
	mm := float64(num) / float64(den)
	if mm == float64(int64(mm)) {
		return fmt.Sprintf("%dmm", int64(mm))
	}
	return fmt.Sprintf("%.1fmm", mm)
}

// fNumberField renders the aperture as "f/1.8".
func fNumberField(x *exif.Exif) string {
	num, den, err := ratField(x, exif.FNumber)
	if err != nil || den == 0 {
		return ""
	}
	return fmt.Sprintf("f/%.1f", float64(num)/float64(den))
}

// exposureField renders the shutter speed as "1/250" for fast exposures and
// "2.5s" for long ones.
func exposureField(x *exif.Exif) string {
	num, den, err := ratField(x, exif.ExposureTime)
	if err != nil || den == 0 || num == 0 {
		return ""
	}
	seconds := float64(num) / float64(den)
	if seconds < 1 {
		return fmt.Sprintf("1/%d", int64(float64(den)/float64(num)+0.5))
	}
	return fmt.Sprintf("%.1fs", seconds)
}

func isoField(x *exif.Exif) string {
	iso, err := intField(x, exif.ISOSpeedRatings)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d", iso)
}
