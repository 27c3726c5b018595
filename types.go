package lumaframe

import (
	"encoding/json"
	"fmt"
)

// JobKind discriminates the payload union carried by pipeline queue rows.
type JobKind string

const (
	// JobKindPhoto is the primary ingestion job: a still photo identified by
	// its storage key, run through the full stage pipeline.
	JobKindPhoto JobKind = "photo"

	// JobKindLivePhotoVideo links an uploaded companion video to its photo.
	JobKindLivePhotoVideo JobKind = "live-photo-video"

	// JobKindPhotoReverseGeocoding re-runs reverse geocoding for an existing
	// photo, typically after a geocoding outage or a coordinate correction.
	JobKindPhotoReverseGeocoding JobKind = "photo-reverse-geocoding"
)

// Stage identifies one step of the processing pipeline. A queue row that is
// in flight records the stage currently executing.
type Stage string

const (
	StagePreprocessing    Stage = "preprocessing"
	StageMetadata         Stage = "metadata"
	StageThumbnail        Stage = "thumbnail"
	StageExif             Stage = "exif"
	StageMotionPhoto      Stage = "motion-photo"
	StageReverseGeocoding Stage = "reverse-geocoding"
	StageLivePhoto        Stage = "live-photo"
)

// StageSequence is the canonical pipeline order. Every job runs a (possibly
// strict) subsequence of this list; no job visits stages out of this order.
var StageSequence = []Stage{
	StagePreprocessing,
	StageMetadata,
	StageThumbnail,
	StageExif,
	StageMotionPhoto,
	StageReverseGeocoding,
	StageLivePhoto,
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s Stage) bool {
	for _, known := range StageSequence {
		if s == known {
			return true
		}
	}
	return false
}

// FirstStageFor returns the stage a freshly claimed job of the given kind
// enters. Photo jobs start at the top of the pipeline; the narrower kinds
// jump straight to the single stage they exist for.
func FirstStageFor(kind JobKind) Stage {
	switch kind {
	case JobKindLivePhotoVideo:
		return StageLivePhoto
	case JobKindPhotoReverseGeocoding:
		return StageReverseGeocoding
	default:
		return StagePreprocessing
	}
}

// JobPayload is the discriminated union stored as JSON in the pipeline
// queue. Kind selects which of the remaining fields are meaningful:
//
//   - photo: StorageKey (required)
//   - live-photo-video: StorageKey (required), the key of the video object
//   - photo-reverse-geocoding: PhotoID (required), Latitude/Longitude
//     optional overrides for the coordinates stored on the photo row
//
// Unknown kinds are rejected at both enqueue and decode time so that a
// malformed row can never reach a stage handler.
type JobPayload struct {
	Kind       JobKind  `json:"type"`
	StorageKey string   `json:"storageKey,omitempty"`
	PhotoID    string   `json:"photoId,omitempty"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// Validate checks the kind tag and the per-kind required fields.
func (p *JobPayload) Validate() error {
	switch p.Kind {
	case JobKindPhoto, JobKindLivePhotoVideo:
		if p.StorageKey == "" {
			return Validationf("payload kind %q requires a storage key", p.Kind)
		}
	case JobKindPhotoReverseGeocoding:
		if p.PhotoID == "" {
			return Validationf("payload kind %q requires a photo ID", p.Kind)
		}
		if (p.Latitude == nil) != (p.Longitude == nil) {
			return Validationf("latitude and longitude must be provided together")
		}
	case "":
		return Validationf("payload kind is required")
	default:
		return Validationf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Marshal validates the payload and serializes it for storage in a queue row.
func (p *JobPayload) Marshal() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling job payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored payload and re-validates it. Rows written by
// older or misbehaving producers fail here rather than inside a stage.
func (p *JobPayload) Unmarshal(data []byte) error {
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("unmarshaling job payload: %w", err)
	}
	return p.Validate()
}

// ExifData is the subset of EXIF fields preserved on a photo row. Values are
// kept as display strings; the structured fields a query might need
// (coordinates, capture time, dimensions) are promoted to their own columns
// during the exif stage.
type ExifData struct {
	Make             string `json:"make,omitempty"`
	Model            string `json:"model,omitempty"`
	LensModel        string `json:"lensModel,omitempty"`
	FocalLength      string `json:"focalLength,omitempty"`
	FNumber          string `json:"fNumber,omitempty"`
	ExposureTime     string `json:"exposureTime,omitempty"`
	ISO              string `json:"iso,omitempty"`
	DateTimeOriginal string `json:"dateTimeOriginal,omitempty"`
	Orientation      int    `json:"orientation,omitempty"`
	Software         string `json:"software,omitempty"`
}
