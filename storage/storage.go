// Package storage abstracts the blob store holding photo originals,
// thumbnails, and live photo videos.
//
// Two implementations are provided: an S3-compatible backend built on the
// AWS SDK v2, and a local filesystem backend for development and tests.
// Both present the same uniform contract to the moderation service and the
// pipeline; capability differences (presigned uploads, cheap existence
// checks) are expressed as optional interfaces.
//
// # Security
//
// The package validates object keys to prevent path traversal:
//   - Rejects keys containing ".."
//   - Rejects keys with absolute paths
//   - Enforces maximum key length (1024 chars)
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider is the uniform blob store contract. Implementations wrap their
// backend errors in *lumaframe.StorageError so callers can distinguish
// store failures from validation or database problems.
type Provider interface {
	// Read returns the full contents of the object at key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Create writes data to key, overwriting any existing object.
	Create(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes the object at key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error

	// GetURL returns the public URL serving the object at key.
	GetURL(key string) string
}

// Signer is implemented by providers that can mint presigned upload URLs,
// letting clients PUT blobs directly to the backend.
type Signer interface {
	SignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
}

// Checker is implemented by providers with a cheap existence probe.
type Checker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// ValidateKey validates an object key for security.
func ValidateKey(key string) error {
	// Check for empty key
	if key == "" {
		return fmt.Errorf("storage key cannot be empty")
	}

	// Check length (max 1024 characters)
	if len(key) > 1024 {
		return fmt.Errorf("storage key too long: %d characters (max 1024)", len(key))
	}

	// Check for path traversal attempts
	if strings.Contains(key, "..") {
		return fmt.Errorf("storage key contains path traversal: %s", key)
	}

	// Check for absolute paths (should be relative)
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage key should not start with /: %s", key)
	}

	// Check for null bytes
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("storage key contains null byte")
	}

	return nil
}

func humanBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
