package database

import (
	"context"
	"testing"

	"github.com/lumaframe/lumaframe"
)

func pendingSubmission(key, fileName string) *Submission {
	size := int64(2048)
	w, h := 4032, 3024
	return &Submission{
		StorageKey:     key,
		OriginalURL:    "https://photos.example.com/" + key,
		SubmitterName:  "Ada",
		SubmitterEmail: "ada@example.com",
		FileName:       fileName,
		FileSize:       &size,
		Width:          &w,
		Height:         &h,
	}
}

func TestInsertAndGetSubmission(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.InsertSubmission(ctx, pendingSubmission("submissions/1-sunset.jpg", "sunset.jpg"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := db.GetSubmission(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("submission not found")
	}
	if got.Status != SubmissionStatusPending {
		t.Errorf("status = %s, expected pending", got.Status)
	}
	if got.FileName != "sunset.jpg" {
		t.Errorf("file name = %s", got.FileName)
	}
	if got.Width == nil || *got.Width != 4032 {
		t.Errorf("width = %v, expected 4032", got.Width)
	}
	if got.ReviewedAt != nil || got.PhotoID != nil {
		t.Error("fresh submission should have no review fields")
	}

	// Same storage key cannot be submitted twice.
	if _, err := db.InsertSubmission(ctx, pendingSubmission("submissions/1-sunset.jpg", "sunset.jpg")); err == nil {
		t.Error("expected conflict for duplicate storage key")
	}
}

func TestApproveSubmission(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.InsertSubmission(ctx, pendingSubmission("submissions/1-sunset.jpg", "sunset.jpg"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	photoID := lumaframe.DerivePhotoID("submissions/1-sunset.jpg")
	w, h := 4032, 3024
	ratio := float64(w) / float64(h)
	photo := &Photo{
		ID:          photoID,
		Title:       "sunset.jpg",
		Width:       &w,
		Height:      &h,
		AspectRatio: &ratio,
		StorageKey:  "submissions/1-sunset.jpg",
		OriginalURL: "https://photos.example.com/submissions/1-sunset.jpg",
	}

	if err := db.ApproveSubmission(ctx, id, 7, photo); err != nil {
		t.Fatalf("approve: %v", err)
	}

	sub, err := db.GetSubmission(ctx, id)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if sub.Status != SubmissionStatusApproved {
		t.Errorf("status = %s, expected approved", sub.Status)
	}
	if sub.ReviewedBy == nil || *sub.ReviewedBy != 7 {
		t.Errorf("reviewed_by = %v, expected 7", sub.ReviewedBy)
	}
	if sub.ReviewedAt == nil {
		t.Error("reviewed_at not set")
	}
	if sub.PhotoID == nil || *sub.PhotoID != photoID {
		t.Errorf("photo_id = %v, expected %s", sub.PhotoID, photoID)
	}

	got, err := db.GetPhoto(ctx, photoID)
	if err != nil {
		t.Fatalf("get photo: %v", err)
	}
	if got == nil {
		t.Fatal("photo row missing after approval")
	}
	if got.StorageKey != "submissions/1-sunset.jpg" {
		t.Errorf("photo storage key = %s", got.StorageKey)
	}
	if got.AspectRatio == nil || *got.AspectRatio < 1.33 || *got.AspectRatio > 1.34 {
		t.Errorf("aspect ratio = %v", got.AspectRatio)
	}

	// A second approval loses the status compare-and-set.
	if err := db.ApproveSubmission(ctx, id, 8, photo); err == nil {
		t.Error("expected conflict approving twice")
	}
}

func TestApproveConflictRollsBackPhoto(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.InsertSubmission(ctx, pendingSubmission("submissions/1-a.jpg", "a.jpg"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.DeleteSubmission(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	photo := &Photo{
		ID:         lumaframe.DerivePhotoID("submissions/1-a.jpg"),
		StorageKey: "submissions/1-a.jpg",
	}
	if err := db.ApproveSubmission(ctx, id, 1, photo); err == nil {
		t.Fatal("expected conflict approving a deleted submission")
	}

	// The failed approval must not leave a photo row behind.
	got, err := db.GetPhoto(ctx, photo.ID)
	if err != nil {
		t.Fatalf("get photo: %v", err)
	}
	if got != nil {
		t.Error("photo row leaked from rolled-back approval")
	}
}

func TestListSubmissionsFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.InsertSubmission(ctx, pendingSubmission("submissions/1-a.jpg", "a.jpg"))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.InsertSubmission(ctx, pendingSubmission("submissions/2-b.jpg", "b.jpg")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	photo := &Photo{ID: lumaframe.DerivePhotoID("submissions/1-a.jpg"), StorageKey: "submissions/1-a.jpg"}
	if err := db.ApproveSubmission(ctx, first, 1, photo); err != nil {
		t.Fatalf("approve: %v", err)
	}

	pending, err := db.ListSubmissions(ctx, SubmissionStatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].StorageKey != "submissions/2-b.jpg" {
		t.Errorf("pending = %+v", pending)
	}

	all, err := db.ListSubmissions(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d rows, expected 2", len(all))
	}

	if _, err := db.ListSubmissions(ctx, "archived"); err == nil {
		t.Error("expected validation error for unknown status filter")
	}
}

func TestPhotoUpdateIsAdditive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	photoID := lumaframe.DerivePhotoID("submissions/1-a.jpg")
	if err := db.UpsertPhoto(ctx, &Photo{ID: photoID, StorageKey: "submissions/1-a.jpg"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	w, h := 1600, 900
	thumbKey := "submissions/1-a_thumb.webp"
	if err := db.ApplyPhotoUpdate(ctx, photoID, &PhotoUpdate{
		Width: &w, Height: &h, ThumbnailKey: &thumbKey,
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A later stage writing unrelated fields leaves earlier writes alone.
	country := "France"
	if err := db.ApplyPhotoUpdate(ctx, photoID, &PhotoUpdate{Country: &country}); err != nil {
		t.Fatalf("second update: %v", err)
	}

	got, err := db.GetPhoto(ctx, photoID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Width == nil || *got.Width != 1600 {
		t.Errorf("width = %v, expected 1600", got.Width)
	}
	if got.ThumbnailKey != thumbKey {
		t.Errorf("thumbnail key = %s", got.ThumbnailKey)
	}
	if got.Country != "France" {
		t.Errorf("country = %s", got.Country)
	}
	if got.AspectRatio == nil || *got.AspectRatio < 1.77 || *got.AspectRatio > 1.78 {
		t.Errorf("aspect ratio = %v, expected ~16:9", got.AspectRatio)
	}

	if err := db.ApplyPhotoUpdate(ctx, "pho_missing", &PhotoUpdate{Country: &country}); err == nil {
		t.Error("expected not-found for unknown photo")
	}
}

func TestFindPhotoByBaseKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	photoID := lumaframe.DerivePhotoID("submissions/1-holiday.jpg")
	if err := db.UpsertPhoto(ctx, &Photo{ID: photoID, StorageKey: "submissions/1-holiday.jpg"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := db.FindPhotoByBaseKey(ctx, "submissions/1-holiday")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got == nil || got.ID != photoID {
		t.Fatalf("expected photo %s, got %+v", photoID, got)
	}

	missing, err := db.FindPhotoByBaseKey(ctx, "submissions/2-unknown")
	if err != nil {
		t.Fatalf("find missing: %v", err)
	}
	if missing != nil {
		t.Errorf("unexpected match: %+v", missing)
	}
}
