package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/geocode"
	"github.com/lumaframe/lumaframe/inspect"
	"github.com/lumaframe/lumaframe/storage"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeGeocoder struct {
	calls int
	place *geocode.Place
	err   error
}

func (f *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (*geocode.Place, error) {
	f.calls++
	return f.place, f.err
}

type testEnv struct {
	db       *database.DB
	store    *storage.Local
	geocoder *fakeGeocoder
	worker   *Worker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewLocal(t.TempDir(), "http://localhost/media", quietLogger())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	geocoder := &fakeGeocoder{}
	processor := NewProcessor(db, store, inspect.NewMedia(), geocoder, quietLogger())
	metrics := NewMetrics(prometheus.NewRegistry())
	worker := NewWorker(db, processor, metrics, quietLogger(), DefaultWorkerConfig())

	return &testEnv{db: db, store: store, geocoder: geocoder, worker: worker}
}

func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func (e *testEnv) stageBlob(t *testing.T, key string, data []byte) {
	t.Helper()
	if err := e.store.Create(context.Background(), key, data, "application/octet-stream"); err != nil {
		t.Fatalf("failed to stage blob %s: %v", key, err)
	}
}

func (e *testEnv) processOne(t *testing.T) {
	t.Helper()
	processed, err := e.worker.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne failed: %v", err)
	}
	if !processed {
		t.Fatal("expected a claimable job")
	}
}

func TestStagePlan(t *testing.T) {
	if got := stagePlan(lumaframe.JobKindPhoto); len(got) != len(lumaframe.StageSequence) {
		t.Errorf("photo jobs should run the full pipeline, got %v", got)
	}
	if got := stagePlan(lumaframe.JobKindLivePhotoVideo); len(got) != 1 || got[0] != lumaframe.StageLivePhoto {
		t.Errorf("unexpected plan for video jobs: %v", got)
	}
	if got := stagePlan(lumaframe.JobKindPhotoReverseGeocoding); len(got) != 1 || got[0] != lumaframe.StageReverseGeocoding {
		t.Errorf("unexpected plan for geocoding jobs: %v", got)
	}
}

func TestProcessPhotoJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "submissions/100-harbor.jpg"
	env.stageBlob(t, key, jpegBytes(t, 800, 600))

	jobID, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: key,
	}, 0, database.DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	job, err := env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (error: %v)", job.Status, job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if job.TraceID == nil || *job.TraceID == "" {
		t.Log("no trace ID recorded: tracing uses the global no-op provider here")
	}

	photo, err := env.db.GetPhoto(ctx, lumaframe.DerivePhotoID(key))
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if photo == nil {
		t.Fatal("expected photo row to exist")
	}
	if photo.Width == nil || *photo.Width != 800 || photo.Height == nil || *photo.Height != 600 {
		t.Errorf("unexpected dimensions %v x %v", photo.Width, photo.Height)
	}
	if photo.Title != "100-harbor.jpg" {
		t.Errorf("expected title from file name, got %q", photo.Title)
	}
	if photo.ThumbnailKey != lumaframe.ThumbnailKey(key) {
		t.Errorf("unexpected thumbnail key %q", photo.ThumbnailKey)
	}
	if photo.ThumbnailHash == "" {
		t.Error("expected a perceptual hash")
	}

	thumb, err := env.store.Read(ctx, lumaframe.ThumbnailKey(key))
	if err != nil {
		t.Fatalf("expected thumbnail blob: %v", err)
	}
	if len(thumb) == 0 {
		t.Error("thumbnail blob is empty")
	}
}

func TestPhotoJobFailureRetriesThenParks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: "submissions/404-missing.jpg",
	}, 0, 2)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)
	job, err := env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusPending {
		t.Fatalf("expected pending after first failure, got %q", job.Status)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, string(lumaframe.StagePreprocessing)) {
		t.Errorf("expected a preprocessing stage failure message, got %v", job.ErrorMessage)
	}

	env.processOne(t)
	job, err = env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusFailed {
		t.Fatalf("expected failed after exhausting attempts, got %q", job.Status)
	}
	if job.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", job.Attempts)
	}
}

func TestReverseGeocodingJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "submissions/200-eiffel.jpg"
	photoID := lumaframe.DerivePhotoID(key)
	if err := env.db.UpsertPhoto(ctx, &database.Photo{ID: photoID, StorageKey: key}); err != nil {
		t.Fatalf("UpsertPhoto failed: %v", err)
	}

	env.geocoder.place = &geocode.Place{Country: "France", City: "Paris", Name: "Paris, France"}

	lat, lon := 48.8584, 2.2945
	jobID, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:      lumaframe.JobKindPhotoReverseGeocoding,
		PhotoID:   photoID,
		Latitude:  &lat,
		Longitude: &lon,
	}, 0, database.DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	job, err := env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (error: %v)", job.Status, job.ErrorMessage)
	}
	if env.geocoder.calls != 1 {
		t.Errorf("expected 1 geocoder call, got %d", env.geocoder.calls)
	}

	photo, err := env.db.GetPhoto(ctx, photoID)
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if photo.Country != "France" || photo.City != "Paris" {
		t.Errorf("place not recorded: country=%q city=%q", photo.Country, photo.City)
	}
}

func TestPhotoWithoutCoordinatesSkipsGeocoder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "submissions/300-indoor.jpg"
	env.stageBlob(t, key, jpegBytes(t, 320, 240))
	if _, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: key,
	}, 0, database.DefaultMaxAttempts); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)
	if env.geocoder.calls != 0 {
		t.Errorf("expected geocoder to be skipped, got %d calls", env.geocoder.calls)
	}
}

func TestLivePhotoCompanionProbe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "submissions/400-wave.jpg"
	videoKey := "submissions/400-wave.mov"
	env.stageBlob(t, key, jpegBytes(t, 320, 240))
	env.stageBlob(t, videoKey, []byte("not really a video"))

	if _, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: key,
	}, 0, database.DefaultMaxAttempts); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	photo, err := env.db.GetPhoto(ctx, lumaframe.DerivePhotoID(key))
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if !photo.IsLivePhoto {
		t.Error("expected photo to be flagged as a live photo")
	}
	if photo.LivePhotoVideoKey != videoKey {
		t.Errorf("expected video key %q, got %q", videoKey, photo.LivePhotoVideoKey)
	}
}

func TestLivePhotoVideoJobLinksExistingPhoto(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	key := "submissions/500-trail.jpg"
	videoKey := "submissions/500-trail.mov"
	photoID := lumaframe.DerivePhotoID(key)
	if err := env.db.UpsertPhoto(ctx, &database.Photo{ID: photoID, StorageKey: key}); err != nil {
		t.Fatalf("UpsertPhoto failed: %v", err)
	}
	env.stageBlob(t, videoKey, []byte("not really a video"))

	jobID, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindLivePhotoVideo,
		StorageKey: videoKey,
	}, 0, database.DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	job, err := env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusCompleted {
		t.Fatalf("expected completed job, got %q (error: %v)", job.Status, job.ErrorMessage)
	}

	photo, err := env.db.GetPhoto(ctx, photoID)
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if !photo.IsLivePhoto || photo.LivePhotoVideoKey != videoKey {
		t.Errorf("video not linked: live=%v key=%q", photo.IsLivePhoto, photo.LivePhotoVideoKey)
	}
}

func TestLivePhotoVideoJobWithoutPhotoRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindLivePhotoVideo,
		StorageKey: "submissions/600-orphan.mov",
	}, 0, database.DefaultMaxAttempts)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	job, err := env.db.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != database.JobStatusPending {
		t.Fatalf("expected pending for retry, got %q", job.Status)
	}
	if job.ErrorMessage == nil || !strings.Contains(*job.ErrorMessage, "no photo found") {
		t.Errorf("unexpected error message %v", job.ErrorMessage)
	}
}

func TestMotionPhotoDetection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Append an XMP-style marker after the JPEG payload; the detector scans
	// raw bytes rather than parsing XMP segments.
	key := "submissions/700-motion.jpg"
	blob := append(jpegBytes(t, 320, 240), []byte(`<x:xmpmeta GCamera:MotionPhoto="1"/>`)...)
	env.stageBlob(t, key, blob)

	if _, err := env.db.Enqueue(ctx, lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: key,
	}, 0, database.DefaultMaxAttempts); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	env.processOne(t)

	photo, err := env.db.GetPhoto(ctx, lumaframe.DerivePhotoID(key))
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if photo == nil || !photo.IsLivePhoto {
		t.Error("expected motion photo to be flagged as live")
	}
}
