package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/geocode"
	"github.com/lumaframe/lumaframe/inspect"
	"github.com/lumaframe/lumaframe/storage"
)

// MaxPhotoSize is the largest original blob a pipeline stage will load.
const MaxPhotoSize = 50 * 1024 * 1024

// livePhotoVideoExtensions are probed, in order, when looking for a live
// photo's companion video next to the still.
var livePhotoVideoExtensions = []string{".mov", ".MOV", ".mp4"}

// Processor executes individual pipeline stages against a claimed job. It is
// stateless across jobs; per-job scratch lives in jobState.
type Processor struct {
	db        *database.DB
	store     storage.Provider
	inspector inspect.Inspector
	geocoder  geocode.Geocoder
	logger    logrus.FieldLogger
}

// NewProcessor creates a stage processor. geocoder may be nil, which disables
// the reverse-geocoding stage.
func NewProcessor(db *database.DB, store storage.Provider, inspector inspect.Inspector, geocoder geocode.Geocoder, logger logrus.FieldLogger) *Processor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Processor{
		db:        db,
		store:     store,
		inspector: inspector,
		geocoder:  geocoder,
		logger:    logger,
	}
}

// jobState carries scratch data between the stages of one job so that later
// stages do not re-download or re-decode the original.
type jobState struct {
	job     *database.PipelineJob
	payload lumaframe.JobPayload

	photoID string
	blob    []byte
	meta    *inspect.Metadata
	exif    *parsedExif
}

// stagePlan returns the ordered stages a job of the given kind runs. Photo
// jobs run the full pipeline; the narrower kinds run exactly one stage.
func stagePlan(kind lumaframe.JobKind) []lumaframe.Stage {
	switch kind {
	case lumaframe.JobKindLivePhotoVideo:
		return []lumaframe.Stage{lumaframe.StageLivePhoto}
	case lumaframe.JobKindPhotoReverseGeocoding:
		return []lumaframe.Stage{lumaframe.StageReverseGeocoding}
	default:
		return lumaframe.StageSequence
	}
}

// runStage dispatches one stage. Errors are wrapped in StageFailure by the
// caller; handlers return plain errors.
func (p *Processor) runStage(ctx context.Context, st *jobState, stage lumaframe.Stage) error {
	switch stage {
	case lumaframe.StagePreprocessing:
		return p.preprocess(ctx, st)
	case lumaframe.StageMetadata:
		return p.recordMetadata(ctx, st)
	case lumaframe.StageThumbnail:
		return p.renderThumbnail(ctx, st)
	case lumaframe.StageExif:
		return p.extractExif(ctx, st)
	case lumaframe.StageMotionPhoto:
		return p.detectMotionPhoto(ctx, st)
	case lumaframe.StageReverseGeocoding:
		return p.reverseGeocode(ctx, st)
	case lumaframe.StageLivePhoto:
		return p.linkLivePhoto(ctx, st)
	default:
		return fmt.Errorf("no handler for stage %q", stage)
	}
}

// preprocess downloads and validates the original, then creates the minimal
// photo row every later stage enriches. Runs only for photo jobs.
func (p *Processor) preprocess(ctx context.Context, st *jobState) error {
	key := st.payload.StorageKey
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	data, err := p.store.Read(ctx, key)
	if err != nil {
		return err
	}
	if int64(len(data)) > MaxPhotoSize {
		return fmt.Errorf("photo exceeds maximum size: %d bytes", len(data))
	}

	meta, err := p.inspector.Inspect(data)
	if err != nil {
		return fmt.Errorf("original is not a decodable image: %w", err)
	}
	st.blob = data
	st.meta = meta
	st.photoID = lumaframe.DerivePhotoID(key)

	photo := &database.Photo{
		ID:          st.photoID,
		StorageKey:  key,
		OriginalURL: p.store.GetURL(key),
	}
	if err := p.db.UpsertPhoto(ctx, photo); err != nil {
		return err
	}
	return nil
}

// recordMetadata writes dimensions and file size onto the photo row, and a
// title derived from the file name when none was set at approval time.
func (p *Processor) recordMetadata(ctx context.Context, st *jobState) error {
	if st.meta == nil {
		return fmt.Errorf("no decoded metadata for photo %s", st.photoID)
	}

	size := int64(len(st.blob))
	upd := &database.PhotoUpdate{
		Width:    &st.meta.Width,
		Height:   &st.meta.Height,
		FileSize: &size,
	}

	photo, err := p.db.GetPhoto(ctx, st.photoID)
	if err != nil {
		return err
	}
	if photo != nil && photo.Title == "" {
		title := path.Base(st.payload.StorageKey)
		upd.Title = &title
	}
	return p.db.ApplyPhotoUpdate(ctx, st.photoID, upd)
}

// renderThumbnail stores a WebP thumbnail and a perceptual hash placeholder
// next to the original.
func (p *Processor) renderThumbnail(ctx context.Context, st *jobState) error {
	thumb, err := p.inspector.Thumbnail(st.blob, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to render thumbnail: %w", err)
	}

	thumbKey := lumaframe.ThumbnailKey(st.payload.StorageKey)
	if err := p.store.Create(ctx, thumbKey, thumb, "image/webp"); err != nil {
		return err
	}

	thumbURL := p.store.GetURL(thumbKey)
	upd := &database.PhotoUpdate{
		ThumbnailKey: &thumbKey,
		ThumbnailURL: &thumbURL,
	}
	if hash, herr := p.inspector.PerceptualHash(st.blob); herr == nil {
		upd.ThumbnailHash = &hash
	}
	return p.db.ApplyPhotoUpdate(ctx, st.photoID, upd)
}

// extractExif records the retained EXIF subset plus the promoted capture
// time and GPS coordinates. Images without EXIF are recorded as-is.
func (p *Processor) extractExif(ctx context.Context, st *jobState) error {
	parsed, err := parseExif(st.blob)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"photo_id": st.photoID,
			"error":    err,
		}).Debug("photo has no usable exif")
		return nil
	}
	st.exif = parsed

	upd := &database.PhotoUpdate{
		Exif:      &parsed.Data,
		DateTaken: parsed.DateTaken,
		Latitude:  parsed.Latitude,
		Longitude: parsed.Longitude,
	}
	return p.db.ApplyPhotoUpdate(ctx, st.photoID, upd)
}

// motionPhotoMarkers are XMP attributes Android cameras embed in stills that
// carry an appended video track.
var motionPhotoMarkers = [][]byte{
	[]byte("GCamera:MotionPhoto=\"1\""),
	[]byte("GCamera:MicroVideo=\"1\""),
	[]byte("Camera:MotionPhoto=\"1\""),
}

// detectMotionPhoto flags stills whose XMP metadata declares an embedded
// motion clip. Only the marker is recorded; the clip itself stays inside the
// original blob.
func (p *Processor) detectMotionPhoto(ctx context.Context, st *jobState) error {
	found := false
	for _, marker := range motionPhotoMarkers {
		if bytes.Contains(st.blob, marker) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	live := true
	p.logger.WithField("photo_id", st.photoID).Info("detected motion photo marker")
	return p.db.ApplyPhotoUpdate(ctx, st.photoID, &database.PhotoUpdate{IsLivePhoto: &live})
}

// reverseGeocode resolves coordinates into a place. Coordinates come from the
// payload override, the exif stage, or the stored photo row, in that order;
// a photo without coordinates skips the stage.
func (p *Processor) reverseGeocode(ctx context.Context, st *jobState) error {
	if p.geocoder == nil {
		return nil
	}

	if st.photoID == "" {
		st.photoID = st.payload.PhotoID
	}

	var lat, lon *float64
	switch {
	case st.payload.Latitude != nil && st.payload.Longitude != nil:
		lat, lon = st.payload.Latitude, st.payload.Longitude
	case st.exif != nil && st.exif.Latitude != nil && st.exif.Longitude != nil:
		lat, lon = st.exif.Latitude, st.exif.Longitude
	default:
		photo, err := p.db.GetPhoto(ctx, st.photoID)
		if err != nil {
			return err
		}
		if photo == nil {
			return &lumaframe.NotFoundError{Resource: "photo", ID: st.photoID}
		}
		lat, lon = photo.Latitude, photo.Longitude
	}
	if lat == nil || lon == nil {
		return nil
	}

	place, err := p.geocoder.ReverseGeocode(ctx, *lat, *lon)
	if err != nil {
		return fmt.Errorf("reverse geocoding failed: %w", err)
	}
	if place == nil {
		return nil
	}

	upd := &database.PhotoUpdate{}
	if place.Country != "" {
		upd.Country = &place.Country
	}
	if place.City != "" {
		upd.City = &place.City
	}
	if place.Name != "" {
		upd.LocationName = &place.Name
	}
	return p.db.ApplyPhotoUpdate(ctx, st.photoID, upd)
}

// linkLivePhoto connects stills with their companion videos. For photo jobs
// it probes the store for a video next to the still; for live-photo-video
// jobs the payload names the video and the matching still is looked up.
func (p *Processor) linkLivePhoto(ctx context.Context, st *jobState) error {
	if st.payload.Kind == lumaframe.JobKindLivePhotoVideo {
		return p.linkVideoToPhoto(ctx, st)
	}

	checker, ok := p.store.(storage.Checker)
	if !ok {
		return nil
	}

	key := st.payload.StorageKey
	base := strings.TrimSuffix(key, path.Ext(key))
	for _, ext := range livePhotoVideoExtensions {
		videoKey := base + ext
		exists, err := checker.Exists(ctx, videoKey)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		return p.attachVideo(ctx, st.photoID, videoKey)
	}
	return nil
}

// linkVideoToPhoto handles the video-first upload order: the companion video
// arrived and its still must already be in the gallery. A missing still is a
// retryable failure, since the photo job may simply not have finished yet.
func (p *Processor) linkVideoToPhoto(ctx context.Context, st *jobState) error {
	videoKey := st.payload.StorageKey
	base := strings.TrimSuffix(videoKey, path.Ext(videoKey))

	photo, err := p.db.FindPhotoByBaseKey(ctx, base)
	if err != nil {
		return err
	}
	if photo == nil {
		return fmt.Errorf("no photo found for video %s", videoKey)
	}
	st.photoID = photo.ID
	return p.attachVideo(ctx, photo.ID, videoKey)
}

func (p *Processor) attachVideo(ctx context.Context, photoID, videoKey string) error {
	live := true
	videoURL := p.store.GetURL(videoKey)
	upd := &database.PhotoUpdate{
		IsLivePhoto:       &live,
		LivePhotoVideoKey: &videoKey,
		LivePhotoVideoURL: &videoURL,
	}
	if err := p.db.ApplyPhotoUpdate(ctx, photoID, upd); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"photo_id":  photoID,
		"video_key": videoKey,
	}).Info("linked live photo video")
	return nil
}
