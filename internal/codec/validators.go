package codec

import (
	"bytes"
	"errors"

	"squeezer-go/internal/apperr"
)

// Pass-through codecs. The host libraries have no encoder for these
// formats, so the file is only checked for its signature and kept as is.

var errBadSignature = errors.New("signature mismatch")

type gifValidator struct{}

func (gifValidator) Format() Format  { return FormatGIF }
func (gifValidator) Reencodes() bool { return false }

func (gifValidator) Optimize(src []byte, _ Options) ([]byte, error) {
	if bytes.HasPrefix(src, []byte("GIF87a")) || bytes.HasPrefix(src, []byte("GIF89a")) {
		return src, nil
	}
	return nil, apperr.New(apperr.KindInvalidImage, "", errBadSignature)
}

type webpValidator struct{}

func (webpValidator) Format() Format  { return FormatWebP }
func (webpValidator) Reencodes() bool { return false }

func (webpValidator) Optimize(src []byte, _ Options) ([]byte, error) {
	if len(src) >= 12 && bytes.Equal(src[0:4], []byte("RIFF")) && bytes.Equal(src[8:12], []byte("WEBP")) {
		return src, nil
	}
	return nil, apperr.New(apperr.KindInvalidImage, "", errBadSignature)
}

// HEIF files are ISO-BMFF: a size-prefixed "ftyp" box carrying a major brand.
var heifBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("hevc"), []byte("hevx"),
	[]byte("mif1"), []byte("msf1"),
}

type heicValidator struct{}

func (heicValidator) Format() Format  { return FormatHEIC }
func (heicValidator) Reencodes() bool { return false }

func (heicValidator) Optimize(src []byte, _ Options) ([]byte, error) {
	if len(src) >= 12 && bytes.Equal(src[4:8], []byte("ftyp")) {
		brand := src[8:12]
		for _, b := range heifBrands {
			if bytes.Equal(brand, b) {
				return src, nil
			}
		}
	}
	return nil, apperr.New(apperr.KindInvalidImage, "", errBadSignature)
}
