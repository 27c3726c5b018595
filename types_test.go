package lumaframe

import (
	"strings"
	"testing"
)

func TestDerivePhotoIDDeterministic(t *testing.T) {
	id1 := DerivePhotoID("submissions/1735689600000-sunset.jpg")
	id2 := DerivePhotoID("submissions/1735689600000-sunset.jpg")
	if id1 != id2 {
		t.Fatalf("same storage key produced different IDs: %s vs %s", id1, id2)
	}
	if !strings.HasPrefix(id1, "pho_") {
		t.Errorf("expected pho_ prefix, got %s", id1)
	}
	if len(id1) != len("pho_")+64 {
		t.Errorf("expected 64 hex chars after prefix, got %d", len(id1)-len("pho_"))
	}

	other := DerivePhotoID("submissions/1735689600000-dawn.jpg")
	if other == id1 {
		t.Errorf("different storage keys produced the same ID")
	}
}

func TestThumbnailKey(t *testing.T) {
	cases := map[string]string{
		"submissions/1-a.jpg":  "submissions/1-a_thumb.webp",
		"submissions/1-a.JPEG": "submissions/1-a_thumb.webp",
		"submissions/1-a":      "submissions/1-a_thumb.webp",
	}
	for in, want := range cases {
		if got := ThumbnailKey(in); got != want {
			t.Errorf("ThumbnailKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJobPayloadValidate(t *testing.T) {
	lat, lon := 48.8584, 2.2945

	cases := []struct {
		name    string
		payload JobPayload
		wantErr bool
	}{
		{"photo ok", JobPayload{Kind: JobKindPhoto, StorageKey: "submissions/1-a.jpg"}, false},
		{"photo missing key", JobPayload{Kind: JobKindPhoto}, true},
		{"video ok", JobPayload{Kind: JobKindLivePhotoVideo, StorageKey: "submissions/1-a.mov"}, false},
		{"geocode ok", JobPayload{Kind: JobKindPhotoReverseGeocoding, PhotoID: "pho_abc"}, false},
		{"geocode with coords", JobPayload{Kind: JobKindPhotoReverseGeocoding, PhotoID: "pho_abc", Latitude: &lat, Longitude: &lon}, false},
		{"geocode half coords", JobPayload{Kind: JobKindPhotoReverseGeocoding, PhotoID: "pho_abc", Latitude: &lat}, true},
		{"geocode missing photo", JobPayload{Kind: JobKindPhotoReverseGeocoding}, true},
		{"empty kind", JobPayload{StorageKey: "submissions/1-a.jpg"}, true},
		{"unknown kind", JobPayload{Kind: "video-transcode", StorageKey: "x"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestJobPayloadRoundTrip(t *testing.T) {
	in := JobPayload{Kind: JobKindPhoto, StorageKey: "submissions/1735689600000-sunset.jpg"}
	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out JobPayload
	if err := out.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || out.StorageKey != in.StorageKey {
		t.Errorf("round trip mismatch: %+v", out)
	}

	// A row written without a kind tag must be rejected at decode time.
	var bad JobPayload
	if err := bad.Unmarshal([]byte(`{"storageKey":"submissions/1-a.jpg"}`)); err == nil {
		t.Errorf("expected error decoding payload without kind")
	}
}

func TestFirstStageFor(t *testing.T) {
	if got := FirstStageFor(JobKindPhoto); got != StagePreprocessing {
		t.Errorf("photo first stage = %s", got)
	}
	if got := FirstStageFor(JobKindLivePhotoVideo); got != StageLivePhoto {
		t.Errorf("live-photo-video first stage = %s", got)
	}
	if got := FirstStageFor(JobKindPhotoReverseGeocoding); got != StageReverseGeocoding {
		t.Errorf("photo-reverse-geocoding first stage = %s", got)
	}
}
