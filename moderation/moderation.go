// Package moderation implements the guest submission review workflow.
//
// Guests upload photos into a holding area; each upload becomes a pending
// submission row with dimensions and a preview thumbnail extracted up front.
// A reviewer then either approves the submission, which publishes it as a
// photo and schedules pipeline processing, or rejects it, which removes both
// the row and the uploaded blobs.
package moderation

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/inspect"
	"github.com/lumaframe/lumaframe/storage"
)

// MaxUploadSize is the largest submission blob accepted, in bytes.
const MaxUploadSize = 50 * 1024 * 1024

// Service coordinates submission intake and review.
type Service struct {
	db        *database.DB
	store     storage.Provider
	inspector inspect.Inspector
	logger    logrus.FieldLogger
}

// NewService creates a moderation service.
func NewService(db *database.DB, store storage.Provider, inspector inspect.Inspector, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		db:        db,
		store:     store,
		inspector: inspector,
		logger:    logger,
	}
}

// SubmitRequest describes an uploaded blob to register as a submission.
type SubmitRequest struct {
	StorageKey  string
	FileName    string
	ContentType string

	SubmitterName  string
	SubmitterEmail string
	Message        string
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tiff": true,
	".tif":  true,
	".heic": true,
	".heif": true,
	".avif": true,
}

// Submit registers an already-uploaded blob as a pending submission. It
// validates the blob is a readable image within the size limit, extracts
// dimensions, renders a preview thumbnail next to the original, and inserts
// the submission row.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*database.Submission, error) {
	if req.StorageKey == "" {
		return nil, lumaframe.Validationf("storage key is required")
	}
	if req.FileName == "" {
		return nil, lumaframe.Validationf("file name is required")
	}
	if err := storage.ValidateKey(req.StorageKey); err != nil {
		return nil, err
	}
	if !isImageUpload(req.FileName, req.ContentType) {
		return nil, lumaframe.Validationf("unsupported file type: %s", req.FileName)
	}

	data, err := s.store.Read(ctx, req.StorageKey)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxUploadSize {
		return nil, lumaframe.Validationf("file exceeds maximum size of %d bytes", int64(MaxUploadSize))
	}

	meta, err := s.inspector.Inspect(data)
	if err != nil {
		return nil, lumaframe.Validationf("not a valid image: %v", err)
	}

	sub := &database.Submission{
		StorageKey:       req.StorageKey,
		FileName:         req.FileName,
		SubmitterName:    req.SubmitterName,
		SubmitterEmail:   req.SubmitterEmail,
		SubmitterMessage: req.Message,
		Status:           database.SubmissionStatusPending,
	}
	size := int64(len(data))
	sub.FileSize = &size
	sub.Width = &meta.Width
	sub.Height = &meta.Height

	// Preview rendering is best effort; a submission without a thumbnail is
	// still reviewable from the original.
	thumbKey := lumaframe.ThumbnailKey(req.StorageKey)
	if thumb, terr := s.inspector.Thumbnail(data, 0, 0); terr != nil {
		s.logger.WithFields(logrus.Fields{
			"storage_key": req.StorageKey,
			"error":       terr,
		}).Warn("failed to render submission thumbnail")
	} else if terr := s.store.Create(ctx, thumbKey, thumb, "image/webp"); terr != nil {
		s.logger.WithFields(logrus.Fields{
			"storage_key": thumbKey,
			"error":       terr,
		}).Warn("failed to store submission thumbnail")
	} else {
		sub.ThumbnailURL = s.store.GetURL(thumbKey)
	}
	if hash, herr := s.inspector.PerceptualHash(data); herr == nil {
		sub.ThumbnailHash = hash
	}
	sub.OriginalURL = s.store.GetURL(req.StorageKey)

	id, err := s.db.InsertSubmission(ctx, sub)
	if err != nil {
		return nil, err
	}
	sub.ID = id

	s.logger.WithFields(logrus.Fields{
		"submission_id": sub.ID,
		"storage_key":   req.StorageKey,
		"file_name":     req.FileName,
		"width":         meta.Width,
		"height":        meta.Height,
	}).Info("submission registered")
	return sub, nil
}

// Approve publishes a pending submission as a photo and enqueues pipeline
// processing for it. The photo ID is derived from the storage key, so
// approving the same upload twice converges on the same photo row.
func (s *Service) Approve(ctx context.Context, submissionID int64, reviewerID int64) (*database.Photo, error) {
	sub, err := s.db.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, &lumaframe.NotFoundError{Resource: "submission", ID: fmt.Sprintf("%d", submissionID)}
	}

	photo := &database.Photo{
		ID:            lumaframe.DerivePhotoID(sub.StorageKey),
		Title:         sub.FileName,
		Description:   sub.SubmitterMessage,
		StorageKey:    sub.StorageKey,
		ThumbnailKey:  lumaframe.ThumbnailKey(sub.StorageKey),
		OriginalURL:   sub.OriginalURL,
		ThumbnailURL:  sub.ThumbnailURL,
		ThumbnailHash: sub.ThumbnailHash,
	}
	photo.FileSize = sub.FileSize
	photo.Width = sub.Width
	photo.Height = sub.Height
	if sub.Width != nil && sub.Height != nil && *sub.Height > 0 {
		ratio := float64(*sub.Width) / float64(*sub.Height)
		photo.AspectRatio = &ratio
	}

	if err := s.db.ApproveSubmission(ctx, submissionID, reviewerID, photo); err != nil {
		return nil, err
	}

	// The approval is durable at this point. A failed enqueue leaves the
	// photo unprocessed but visible; the job can be re-enqueued manually.
	payload := lumaframe.JobPayload{
		Kind:       lumaframe.JobKindPhoto,
		StorageKey: sub.StorageKey,
	}
	jobID, err := s.db.Enqueue(ctx, payload, 0, database.DefaultMaxAttempts)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"submission_id": submissionID,
			"photo_id":      photo.ID,
			"error":         err,
		}).Error("approved submission but failed to enqueue processing")
	} else {
		s.logger.WithFields(logrus.Fields{
			"submission_id": submissionID,
			"photo_id":      photo.ID,
			"job_id":        jobID,
			"reviewer_id":   reviewerID,
		}).Info("submission approved")
	}
	return photo, nil
}

// Reject removes a submission row and its uploaded blobs, regardless of
// review status, so admins can always clear the inbox. Blob deletion is best
// effort. For an approved submission only the row is removed: its blobs now
// back the published photo.
func (s *Service) Reject(ctx context.Context, submissionID int64) error {
	sub, err := s.db.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return &lumaframe.NotFoundError{Resource: "submission", ID: fmt.Sprintf("%d", submissionID)}
	}

	keys := []string{sub.StorageKey, lumaframe.ThumbnailKey(sub.StorageKey)}
	if sub.Status == database.SubmissionStatusApproved {
		keys = nil
	}
	for _, key := range keys {
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.logger.WithFields(logrus.Fields{
				"submission_id": submissionID,
				"storage_key":   key,
				"error":         derr,
			}).Warn("failed to delete rejected submission blob")
		}
	}

	if err := s.db.DeleteSubmission(ctx, submissionID); err != nil {
		return err
	}
	s.logger.WithField("submission_id", submissionID).Info("submission rejected")
	return nil
}

// List returns submissions, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string) ([]*database.Submission, error) {
	return s.db.ListSubmissions(ctx, status)
}
func isImageUpload(fileName, contentType string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	if contentType != "" && contentType != "application/octet-stream" {
		return false
	}
	return imageExtensions[strings.ToLower(path.Ext(fileName))]
}
