package codec

import (
	"path/filepath"
	"sort"
	"strings"

	"squeezer-go/internal/apperr"
)

// Format identifies an image container handled by the dispatcher.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatWebP
	FormatHEIC
)

// String returns the display name of the format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatGIF:
		return "GIF"
	case FormatWebP:
		return "WebP"
	case FormatHEIC:
		return "HEIC"
	default:
		return "Unknown"
	}
}

// Options controls a single optimization.
type Options struct {
	// Quality is a fraction in [0.1, 1.0]; lossless codecs ignore it.
	Quality float64
}

// Codec re-encodes (or validates) one image format.
type Codec interface {
	Format() Format
	// Reencodes reports whether Optimize may change the bytes.
	// Validators only check the signature and return the input as is.
	Reencodes() bool
	Optimize(src []byte, opts Options) ([]byte, error)
}

// Dispatcher maps lower-cased file extensions to codecs.
type Dispatcher struct {
	codecs map[string]Codec
}

// NewDispatcher returns a dispatcher with every built-in codec registered.
// When extensions is non-empty only those extensions are routed.
func NewDispatcher(extensions ...string) *Dispatcher {
	all := map[string]Codec{
		".jpg":  jpegCodec{},
		".jpeg": jpegCodec{},
		".png":  pngCodec{},
		".gif":  gifValidator{},
		".webp": webpValidator{},
		".heic": heicValidator{},
		".heif": heicValidator{},
	}
	if len(extensions) == 0 {
		return &Dispatcher{codecs: all}
	}

	d := &Dispatcher{codecs: make(map[string]Codec)}
	for _, ext := range extensions {
		ext = normalizeExt(ext)
		if c, ok := all[ext]; ok {
			d.codecs[ext] = c
		}
	}
	return d
}

// ForPath returns the codec responsible for path, or an
// apperr.KindUnsupportedFormat error for an unknown extension.
func (d *Dispatcher) ForPath(path string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	c, ok := d.codecs[ext]
	if !ok {
		return nil, apperr.New(apperr.KindUnsupportedFormat, path, nil)
	}
	return c, nil
}

// Supports reports whether path has a routed extension.
func (d *Dispatcher) Supports(path string) bool {
	_, ok := d.codecs[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions returns the routed extensions in sorted order.
func (d *Dispatcher) Extensions() []string {
	exts := make([]string, 0, len(d.codecs))
	for ext := range d.codecs {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
