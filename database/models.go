package database

import (
	"time"

	"github.com/lumaframe/lumaframe"
)

// Submission represents a guest upload awaiting moderation. The blob itself
// lives in the photo store; this row carries the metadata extracted at
// submission time plus the moderation outcome.
type Submission struct {
	ID               int64
	StorageKey       string
	OriginalURL      string
	ThumbnailURL     string
	ThumbnailHash    string
	SubmitterName    string
	SubmitterEmail   string
	SubmitterMessage string
	FileName         string
	FileSize         *int64
	Width            *int
	Height           *int
	Status           string
	ReviewedBy       *int64
	ReviewedAt       *time.Time
	PhotoID          *string
	CreatedAt        time.Time
}

// Photo represents a published gallery photo. Most fields start empty and
// are filled in additively by pipeline stages.
type Photo struct {
	ID                string
	Title             string
	Description       string
	Width             *int
	Height            *int
	AspectRatio       *float64
	DateTaken         *time.Time
	StorageKey        string
	ThumbnailKey      string
	FileSize          *int64
	OriginalURL       string
	ThumbnailURL      string
	ThumbnailHash     string
	Tags              []string
	Exif              *lumaframe.ExifData
	Latitude          *float64
	Longitude         *float64
	Country           string
	City              string
	LocationName      string
	IsLivePhoto       bool
	LivePhotoVideoURL string
	LivePhotoVideoKey string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PipelineJob represents one row of the durable pipeline queue.
type PipelineJob struct {
	ID           int64
	Payload      lumaframe.JobPayload
	Priority     int
	Attempts     int
	MaxAttempts  int
	Status       string
	Stage        *lumaframe.Stage
	ErrorMessage *string
	LeaseOwner   *string
	HeartbeatAt  *time.Time
	TraceID      *string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Job status constants
const (
	JobStatusPending   = "pending"
	JobStatusInStages  = "in-stages"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Submission status constants
const (
	SubmissionStatusPending  = "pending"
	SubmissionStatusApproved = "approved"
	SubmissionStatusRejected = "rejected"
)

// ValidJobStatus reports whether s is a known queue status. Used to vet
// caller-supplied list filters before they reach SQL.
func ValidJobStatus(s string) bool {
	switch s {
	case JobStatusPending, JobStatusInStages, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ValidSubmissionStatus reports whether s is a known submission status.
func ValidSubmissionStatus(s string) bool {
	switch s {
	case SubmissionStatusPending, SubmissionStatusApproved, SubmissionStatusRejected:
		return true
	}
	return false
}
