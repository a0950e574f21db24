package imagehash

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

// gradientImage builds a deterministic test image with enough structure for
// the hash to be non-trivial.
func gradientImage(w, h int, seed uint8) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7+y*13)%251) + seed
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func TestComputeDeterministic(t *testing.T) {
	data := encodePNG(t, gradientImage(120, 90, 0))

	h1, err := Compute(data)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	h2, err := Compute(data)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %016x vs %016x", uint64(h1), uint64(h2))
	}
	if Distance(h1, h2) != 0 {
		t.Errorf("Distance(h, h) = %d, want 0", Distance(h1, h2))
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a, err := Compute(encodePNG(t, gradientImage(120, 90, 0)))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	b, err := Compute(encodePNG(t, gradientImage(120, 90, 40)))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if Distance(a, b) != Distance(b, a) {
		t.Errorf("Distance not symmetric: %d vs %d", Distance(a, b), Distance(b, a))
	}
}

func TestRecompressionTolerance(t *testing.T) {
	img := gradientImage(240, 180, 0)

	original, err := Compute(encodePNG(t, img))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	recompressed, err := Compute(encodeJPEG(t, img, 40))
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if d := Distance(original, recompressed); d > 10 {
		t.Errorf("recompressed image drifted %d bits, want <= 10", d)
	}
}

func TestComputeCorruptInput(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not an image")},
		{"truncated png", encodePNG(t, gradientImage(60, 60, 0))[:20]},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compute(tc.data)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("Compute(%s) error = %v, want ErrDecode", tc.name, err)
			}
		})
	}
}
