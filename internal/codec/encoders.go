package codec

import (
	"bytes"
	"image/png"
	"math"

	"github.com/disintegration/imaging"

	"squeezer-go/internal/apperr"
)

const (
	MinQuality = 0.1
	MaxQuality = 1.0
)

// JPEGQuality converts a quality fraction into the 1..100 encoder scale.
func JPEGQuality(q float64) int {
	if math.IsNaN(q) || q < MinQuality {
		q = MinQuality
	}
	if q > MaxQuality {
		q = MaxQuality
	}
	return int(math.Round(q * 100))
}

type jpegCodec struct{}

func (jpegCodec) Format() Format  { return FormatJPEG }
func (jpegCodec) Reencodes() bool { return true }

// Optimize re-encodes the stored pixels as they are. The EXIF Orientation
// tag travels with the copied metadata, so rotating here would turn the
// photo twice.
func (jpegCodec) Optimize(src []byte, opts Options) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidImage, "", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality(opts.Quality))); err != nil {
		return nil, apperr.New(apperr.KindEncodeFailed, "", err)
	}
	return buf.Bytes(), nil
}

type pngCodec struct{}

func (pngCodec) Format() Format  { return FormatPNG }
func (pngCodec) Reencodes() bool { return true }

func (pngCodec) Optimize(src []byte, _ Options) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidImage, "", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, apperr.New(apperr.KindEncodeFailed, "", err)
	}
	return buf.Bytes(), nil
}
