package inspect

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// encodeTestImage renders a small gradient and encodes it with enc.
func encodeTestImage(t *testing.T, w, h int, enc func(*bytes.Buffer, image.Image) error) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	return encodeTestImage(t, w, h, func(buf *bytes.Buffer, img image.Image) error {
		return jpeg.Encode(buf, img, &jpeg.Options{Quality: 85})
	})
}

func TestInspect(t *testing.T) {
	m := NewMedia()

	meta, err := m.Inspect(jpegBytes(t, 640, 480))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if meta.Width != 640 || meta.Height != 480 {
		t.Errorf("dimensions = %dx%d, expected 640x480", meta.Width, meta.Height)
	}
	if meta.Format != "jpeg" {
		t.Errorf("format = %s, expected jpeg", meta.Format)
	}
}

func TestInspectPNG(t *testing.T) {
	m := NewMedia()

	data := encodeTestImage(t, 32, 64, func(buf *bytes.Buffer, img image.Image) error {
		return png.Encode(buf, img)
	})
	meta, err := m.Inspect(data)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if meta.Format != "png" || meta.Width != 32 || meta.Height != 64 {
		t.Errorf("meta = %+v", meta)
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	m := NewMedia()

	if _, err := m.Inspect([]byte("definitely not an image")); err == nil {
		t.Error("expected error for non-image data")
	}
}

func TestThumbnailFitsBounds(t *testing.T) {
	m := NewMedia()

	thumb, err := m.Thumbnail(jpegBytes(t, 1600, 900), 400, 400)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}

	meta, err := m.Inspect(thumb)
	if err != nil {
		t.Fatalf("inspect thumbnail: %v", err)
	}
	if meta.Format != "webp" {
		t.Errorf("thumbnail format = %s, expected webp", meta.Format)
	}
	if meta.Width > 400 || meta.Height > 400 {
		t.Errorf("thumbnail %dx%d exceeds bounds", meta.Width, meta.Height)
	}
	// Aspect ratio preserved: 16:9 input scales to 400x225.
	if meta.Width != 400 || meta.Height != 225 {
		t.Errorf("thumbnail %dx%d, expected 400x225", meta.Width, meta.Height)
	}
}

func TestPerceptualHash(t *testing.T) {
	m := NewMedia()

	data := jpegBytes(t, 320, 240)
	h1, err := m.PerceptualHash(data)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == "" {
		t.Fatal("empty hash")
	}

	// Deterministic for identical input.
	h2, err := m.PerceptualHash(data)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h2 != h1 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}
}
