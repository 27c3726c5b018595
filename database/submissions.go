package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lumaframe/lumaframe"
)

// InsertSubmission stores a freshly processed guest upload in the pending
// state. Returns the new submission ID. Each storage key can only be
// submitted once; a duplicate reports a conflict.
func (d *DB) InsertSubmission(ctx context.Context, s *Submission) (int64, error) {
	query := `
		INSERT INTO submissions (storage_key, original_url, thumbnail_url,
		                         thumbnail_hash, submitter_name, submitter_email,
		                         submitter_message, file_name, file_size,
		                         width, height, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := d.db.ExecContext(ctx, query,
		s.StorageKey, s.OriginalURL, s.ThumbnailURL,
		s.ThumbnailHash, s.SubmitterName, s.SubmitterEmail,
		s.SubmitterMessage, s.FileName, s.FileSize,
		s.Width, s.Height, SubmissionStatusPending)
	if err != nil {
		if isConstraintErr(err) {
			return 0, lumaframe.Conflictf("storage key %q was already submitted", s.StorageKey)
		}
		return 0, fmt.Errorf("failed to insert submission: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get submission ID: %w", err)
	}
	return id, nil
}

// GetSubmission retrieves a submission by ID. Returns nil if not found.
func (d *DB) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	query := selectSubmissionColumns + ` FROM submissions WHERE id = ?`
	return d.scanSubmission(d.db.QueryRowContext(ctx, query, id))
}

// ListSubmissions lists submissions, newest first, optionally filtered by
// status.
func (d *DB) ListSubmissions(ctx context.Context, status string) ([]*Submission, error) {
	if status != "" && !ValidSubmissionStatus(status) {
		return nil, lumaframe.Validationf("unknown submission status %q", status)
	}

	query := selectSubmissionColumns + ` FROM submissions`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		s, err := d.scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}
	return subs, nil
}

// CountSubmissionsByStatus returns the number of submissions per status.
func (d *DB) CountSubmissionsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan submission count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission counts: %w", err)
	}
	return counts, nil
}

// ApproveSubmission atomically publishes a pending submission: the photo row
// is created and the submission is marked approved in one transaction, so a
// photo can never exist without its submission recording the link, and vice
// versa.
//
// The submission update is conditional on the row still being pending;
// losing that race (two moderators clicking approve) rolls the photo insert
// back and reports a conflict.
func (d *DB) ApproveSubmission(ctx context.Context, submissionID, reviewerID int64, photo *Photo) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin approval transaction: %w", err)
	}
	defer tx.Rollback()

	tags, err := marshalTags(photo.Tags)
	if err != nil {
		return err
	}
	exif, err := marshalExif(photo.Exif)
	if err != nil {
		return err
	}

	insert := `
		INSERT INTO photos (id, title, description, width, height, aspect_ratio,
		                    storage_key, thumbnail_key, file_size, original_url,
		                    thumbnail_url, thumbnail_hash, tags, exif)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert,
		photo.ID, photo.Title, photo.Description, photo.Width, photo.Height,
		photo.AspectRatio, photo.StorageKey, photo.ThumbnailKey, photo.FileSize,
		photo.OriginalURL, photo.ThumbnailURL, photo.ThumbnailHash, tags, exif); err != nil {
		return fmt.Errorf("failed to insert photo for submission %d: %w", submissionID, err)
	}

	update := `
		UPDATE submissions
		SET status = ?, reviewed_by = ?, reviewed_at = CURRENT_TIMESTAMP, photo_id = ?
		WHERE id = ? AND status = ?
	`
	res, err := tx.ExecContext(ctx, update,
		SubmissionStatusApproved, reviewerID, photo.ID,
		submissionID, SubmissionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark submission %d approved: %w", submissionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("approve submission: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Rolled back by the deferred Rollback; the photo insert is undone.
		return lumaframe.Conflictf("submission %d is no longer pending", submissionID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval of submission %d: %w", submissionID, err)
	}
	return nil
}

// DeleteSubmission removes a submission row, the terminal step of a
// rejection. Blob cleanup is the caller's concern and happens before this
// call.
func (d *DB) DeleteSubmission(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete submission %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete submission: failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &lumaframe.NotFoundError{Resource: "submission", ID: fmt.Sprintf("%d", id)}
	}
	return nil
}

const selectSubmissionColumns = `
	SELECT id, storage_key, original_url, thumbnail_url, thumbnail_hash,
	       submitter_name, submitter_email, submitter_message, file_name,
	       file_size, width, height, status, reviewed_by, reviewed_at,
	       photo_id, created_at
`

func (d *DB) scanSubmission(row rowScanner) (*Submission, error) {
	var s Submission
	var origURL, thumbURL, thumbHash sql.NullString
	var name, email, message sql.NullString
	var fileSize, reviewedBy sql.NullInt64
	var width, height sql.NullInt64
	var reviewedAt sql.NullTime
	var photoID sql.NullString

	err := row.Scan(
		&s.ID, &s.StorageKey, &origURL, &thumbURL, &thumbHash,
		&name, &email, &message, &s.FileName,
		&fileSize, &width, &height, &s.Status, &reviewedBy, &reviewedAt,
		&photoID, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan submission: %w", err)
	}

	s.OriginalURL = origURL.String
	s.ThumbnailURL = thumbURL.String
	s.ThumbnailHash = thumbHash.String
	s.SubmitterName = name.String
	s.SubmitterEmail = email.String
	s.SubmitterMessage = message.String

	if fileSize.Valid {
		s.FileSize = &fileSize.Int64
	}
	if width.Valid {
		w := int(width.Int64)
		s.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		s.Height = &h
	}
	if reviewedBy.Valid {
		s.ReviewedBy = &reviewedBy.Int64
	}
	if reviewedAt.Valid {
		s.ReviewedAt = &reviewedAt.Time
	}
	if photoID.Valid {
		s.PhotoID = &photoID.String
	}

	return &s, nil
}
