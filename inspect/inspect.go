// Package inspect examines and derives media from uploaded photo bytes:
// dimension probing, thumbnail rendering, and perceptual hashing.
//
// Decoding is registered for JPEG, PNG, GIF, WebP, BMP and TIFF. Thumbnails
// are always encoded as WebP regardless of the source format, so thumbnail
// keys can be derived from the original key by swapping the extension.
package inspect

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"github.com/galdor/go-thumbhash"

	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	_ "golang.org/x/image/bmp"  // register BMP decoder
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Thumbnail rendering bounds. Thumbnails fit inside ThumbMaxWidth x
// ThumbMaxHeight preserving aspect ratio; the perceptual hash is computed
// from a smaller hashSize-bounded rendition.
const (
	ThumbMaxWidth  = 400
	ThumbMaxHeight = 400
	hashSize       = 100
)

// Metadata describes a decoded image.
type Metadata struct {
	Width  int
	Height int
	Format string // "jpeg", "png", ...
}

// Inspector is the media examination contract used by the moderation
// service and the pipeline. The production implementation is Media;
// tests substitute fakes.
type Inspector interface {
	// Inspect probes dimensions and format without a full decode.
	Inspect(data []byte) (*Metadata, error)

	// Thumbnail renders a WebP thumbnail fitting inside maxW x maxH.
	Thumbnail(data []byte, maxW, maxH int) ([]byte, error)

	// PerceptualHash computes a base64-encoded thumbhash usable as a
	// blurred placeholder.
	PerceptualHash(data []byte) (string, error)
}

// Media is the production Inspector backed by the imaging, nativewebp and
// thumbhash libraries.
type Media struct{}

// NewMedia returns the production Inspector.
func NewMedia() *Media {
	return &Media{}
}

// Inspect probes dimensions and format without decoding pixel data.
func (m *Media) Inspect(data []byte) (*Metadata, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image has invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return &Metadata{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Thumbnail decodes the image honoring EXIF orientation, scales it to fit
// inside maxW x maxH, and encodes the result as WebP.
func (m *Media) Thumbnail(data []byte, maxW, maxH int) ([]byte, error) {
	if maxW <= 0 {
		maxW = ThumbMaxWidth
	}
	if maxH <= 0 {
		maxH = ThumbMaxHeight
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := imaging.Fit(img, maxW, maxH, imaging.Lanczos)

	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, thumb, nil); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// PerceptualHash downscales the image and computes its thumbhash, returned
// base64-encoded for storage in a text column.
func (m *Media) PerceptualHash(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode image: %w", err)
	}

	// The hash algorithm expects a small input; hashing a full-size photo
	// wastes cycles without changing the result meaningfully.
	small := imaging.Fit(img, hashSize, hashSize, imaging.Box)
	hash := thumbhash.EncodeImage(small)
	return base64.StdEncoding.EncodeToString(hash), nil
}
