// Package imagehash computes perceptual fingerprints for report photos.
//
// The fingerprint is a 64-bit difference hash: the image is downsampled to a
// 9x8 luminance grid and each bit records whether a pixel is brighter than
// its horizontal neighbor. Recompression and resizing barely move it, so two
// photos of the same pothole land within a few bits of each other.
package imagehash

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"github.com/corona10/goimagehash"
)

// Hash is a fixed-length 64-bit difference hash.
type Hash uint64

// ErrDecode is returned when the input bytes are not a decodable image.
// Non-fatal for the pipeline: the report proceeds to classification without
// duplicate protection for that image.
var ErrDecode = errors.New("image decode failed")

// Compute decodes imageBytes and returns its difference hash. The result is
// deterministic for identical input.
func Compute(imageBytes []byte) (Hash, error) {
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, fmt.Errorf("difference hash: %w", err)
	}
	return Hash(h.GetHash()), nil
}

// Distance is the Hamming distance between two hashes: the number of bit
// positions where they differ. Zero means perceptually identical.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}
