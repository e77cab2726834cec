package codec

import (
	"bytes"
	"errors"
	"image"

	"github.com/disintegration/imaging"
)

// DefaultPreviewSize is the bounding box of cached previews, in pixels.
const DefaultPreviewSize = 256

// Preview renders a PNG thumbnail that fits in a size x size box.
// Formats without a registered decoder yield (nil, nil).
func Preview(src []byte, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultPreviewSize
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, nil
		}
		return nil, err
	}

	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
