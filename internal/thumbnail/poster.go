package thumbnail

import (
	"bytes"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// Poster scales a decoded frame to fit inside width x height, keeping aspect ratio,
// and re-encodes it as JPEG. Frames already inside the box are not enlarged.
func Poster(buffer []byte, width int, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid poster box %dx%d", width, height)
	}
	img, _, err := image.Decode(bytes.NewReader(buffer))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	out := imaging.Fit(img, width, height, imaging.Lanczos)

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, out, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("error while encoding poster: %w", err)
	}
	return buf.Bytes(), nil
}
