package moderation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/inspect"
	"github.com/lumaframe/lumaframe/storage"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T) (*Service, *database.DB, *storage.Local) {
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

	svc := NewService(db, store, inspect.NewMedia(), quietLogger())
	return svc, db, store
}

func jpegBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func uploadTestPhoto(t *testing.T, svc *Service, store *storage.Local, key string) {
	t.Helper()
	if err := store.Create(context.Background(), key, jpegBytes(t, 640, 480), "image/jpeg"); err != nil {
		t.Fatalf("failed to stage upload: %v", err)
	}
}

func TestSubmitRegistersPendingSubmission(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/1000-sunset.jpg"
	uploadTestPhoto(t, svc, store, key)

	sub, err := svc.Submit(ctx, SubmitRequest{
		StorageKey:    key,
		FileName:      "sunset.jpg",
		ContentType:   "image/jpeg",
		SubmitterName: "Ada",
		Message:       "from the pier",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected submission ID to be assigned")
	}
	if sub.Status != database.SubmissionStatusPending {
		t.Errorf("expected pending status, got %q", sub.Status)
	}
	if sub.Width == nil || *sub.Width != 640 {
		t.Errorf("expected width 640, got %v", sub.Width)
	}
	if sub.Height == nil || *sub.Height != 480 {
		t.Errorf("expected height 480, got %v", sub.Height)
	}
	if sub.ThumbnailHash == "" {
		t.Error("expected a perceptual hash")
	}
	if sub.ThumbnailURL == "" {
		t.Error("expected a thumbnail URL")
	}

	// The preview thumbnail is stored next to the original.
	if _, err := store.Read(ctx, lumaframe.ThumbnailKey(key)); err != nil {
		t.Errorf("expected thumbnail blob to exist: %v", err)
	}
}

func TestSubmitRejectsNonImage(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	if err := store.Create(ctx, "submissions/1-notes.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("failed to stage upload: %v", err)
	}

	_, err := svc.Submit(ctx, SubmitRequest{
		StorageKey:  "submissions/1-notes.txt",
		FileName:    "notes.txt",
		ContentType: "text/plain",
	})
	var verr *lumaframe.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitRejectsCorruptImage(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	if err := store.Create(ctx, "submissions/2-broken.jpg", []byte("not a jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("failed to stage upload: %v", err)
	}

	_, err := svc.Submit(ctx, SubmitRequest{
		StorageKey:  "submissions/2-broken.jpg",
		FileName:    "broken.jpg",
		ContentType: "image/jpeg",
	})
	var verr *lumaframe.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitMissingBlobIsStorageError(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		StorageKey:  "submissions/3-ghost.jpg",
		FileName:    "ghost.jpg",
		ContentType: "image/jpeg",
	})
	var serr *lumaframe.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSubmitDuplicateKeyConflicts(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/4-dup.jpg"
	uploadTestPhoto(t, svc, store, key)

	req := SubmitRequest{StorageKey: key, FileName: "dup.jpg", ContentType: "image/jpeg"}
	if _, err := svc.Submit(ctx, req); err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	_, err := svc.Submit(ctx, req)
	var cerr *lumaframe.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict on duplicate key, got %v", err)
	}
}

func TestApprovePublishesPhotoAndEnqueues(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/5-beach.jpg"
	uploadTestPhoto(t, svc, store, key)
	sub, err := svc.Submit(ctx, SubmitRequest{
		StorageKey:  key,
		FileName:    "beach.jpg",
		ContentType: "image/jpeg",
		Message:     "low tide",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	photo, err := svc.Approve(ctx, sub.ID, 42)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if photo.ID != lumaframe.DerivePhotoID(key) {
		t.Errorf("unexpected photo ID %q", photo.ID)
	}
	if photo.Title != "beach.jpg" || photo.Description != "low tide" {
		t.Errorf("photo fields not copied: title=%q description=%q", photo.Title, photo.Description)
	}

	stored, err := db.GetPhoto(ctx, photo.ID)
	if err != nil {
		t.Fatalf("GetPhoto failed: %v", err)
	}
	if stored == nil {
		t.Fatal("expected photo row to exist")
	}
	if stored.AspectRatio == nil || *stored.AspectRatio < 1.3 || *stored.AspectRatio > 1.34 {
		t.Errorf("unexpected aspect ratio %v", stored.AspectRatio)
	}

	reviewed, err := db.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if reviewed.Status != database.SubmissionStatusApproved {
		t.Errorf("expected approved status, got %q", reviewed.Status)
	}
	if reviewed.ReviewedBy == nil || *reviewed.ReviewedBy != 42 {
		t.Errorf("expected reviewer 42, got %v", reviewed.ReviewedBy)
	}

	// Approval schedules pipeline processing for the new photo.
	jobs, err := db.ListJobs(ctx, database.JobStatusPending, 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(jobs))
	}
	if jobs[0].Payload.Kind != lumaframe.JobKindPhoto || jobs[0].Payload.StorageKey != key {
		t.Errorf("unexpected job payload %+v", jobs[0].Payload)
	}
}

func TestApproveTwiceConflicts(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/6-dunes.jpg"
	uploadTestPhoto(t, svc, store, key)
	sub, err := svc.Submit(ctx, SubmitRequest{StorageKey: key, FileName: "dunes.jpg", ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if _, err := svc.Approve(ctx, sub.ID, 1); err != nil {
		t.Fatalf("first Approve failed: %v", err)
	}
	_, err = svc.Approve(ctx, sub.ID, 2)
	var cerr *lumaframe.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected conflict on second approval, got %v", err)
	}
}

func TestApproveMissingSubmission(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Approve(context.Background(), 9999, 1)
	var nferr *lumaframe.NotFoundError
	if !errors.As(err, &nferr) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectDeletesRowAndBlobs(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/7-reject.jpg"
	uploadTestPhoto(t, svc, store, key)
	sub, err := svc.Submit(ctx, SubmitRequest{StorageKey: key, FileName: "reject.jpg", ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := svc.Reject(ctx, sub.ID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	gone, err := db.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if gone != nil {
		t.Error("expected submission row to be deleted")
	}

	for _, k := range []string{key, lumaframe.ThumbnailKey(key)} {
		if exists, _ := store.Exists(ctx, k); exists {
			t.Errorf("expected blob %q to be deleted", k)
		}
	}
}

func TestRejectApprovedSubmissionKeepsBlobs(t *testing.T) {
	svc, db, store := newTestService(t)
	ctx := context.Background()

	key := "submissions/8-keep.jpg"
	uploadTestPhoto(t, svc, store, key)
	sub, err := svc.Submit(ctx, SubmitRequest{StorageKey: key, FileName: "keep.jpg", ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := svc.Approve(ctx, sub.ID, 1); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	// Reviewed rows can still be cleared from the inbox, but the blobs now
	// back the published photo and must survive.
	if err := svc.Reject(ctx, sub.ID); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	got, err := db.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission failed: %v", err)
	}
	if got != nil {
		t.Error("submission row not deleted")
	}
	if _, err := store.Read(ctx, key); err != nil {
		t.Errorf("published photo blob was deleted: %v", err)
	}
}

func TestIsImageUpload(t *testing.T) {
	if !isImageUpload("a.jpg", "") {
		t.Error("expected extension fallback to accept .jpg")
	}
	if !isImageUpload("blob", "image/webp") {
		t.Error("expected image/* content type to be accepted")
	}
	if !isImageUpload("a.avif", "") {
		t.Error("expected extension fallback to accept .avif")
	}
	if !isImageUpload("b.heif", "application/octet-stream") {
		t.Error("expected extension fallback to accept .heif")
	}
	if isImageUpload("a.exe", "application/x-msdownload") {
		t.Error("expected executable to be rejected")
	}
}
