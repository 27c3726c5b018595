package lumaframe

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// photoIDNamespace is a stable, process-wide namespace used when deriving
// deterministic photo IDs from idempotency keys (currently the storage key).
//
// The exact value is not externally visible, but must remain stable over time
// so that the same idempotency key always yields the same photo ID.
const photoIDNamespace = "lumaframe-gallery-v1"

// DerivePhotoID deterministically derives a photo ID from the given storage
// object key.
//
// This function is the single source of truth for photo identity and
// idempotency:
//   - The idempotency key for ingestion is the storage object key.
//   - The photo ID is a stable SHA256 hash of (namespace, storage key).
//   - Repeated requests with the same storage key always produce the same
//     photo ID, and therefore converge on the same photo row and pipeline
//     work.
//
// Approving the same submission twice, or enqueuing two pipeline jobs for
// the same storage key, converges on one photo record instead of creating
// duplicates.
//
// The returned ID is a lowercase hexadecimal string with a "pho_" prefix,
// making it easily identifiable in logs and databases.
func DerivePhotoID(storageKey string) string {
	h := sha256.Sum256([]byte(photoIDNamespace + ":" + storageKey))
	return "pho_" + hex.EncodeToString(h[:])
}

// ThumbnailKey returns the storage key of a photo's thumbnail, derived from
// the original key by replacing its extension with _thumb.webp. Deriving
// rather than storing the mapping keeps thumbnail writes idempotent alongside
// photo IDs.
func ThumbnailKey(storageKey string) string {
	return strings.TrimSuffix(storageKey, path.Ext(storageKey)) + "_thumb.webp"
}
