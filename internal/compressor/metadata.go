package compressor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"squeezer-go/internal/extractor"
)

// ErrExiftoolMissing is returned when metadata handling needs the exiftool binary.
var ErrExiftoolMissing = errors.New("exiftool not found in PATH")

// MetadataWriter copies metadata from an original onto its optimized copy.
type MetadataWriter interface {
	CopyAndMark(ctx context.Context, src, dst string) error
}

// ExiftoolMetadata copies tags with the exiftool command line tool and
// stamps the Software tag so later runs can skip the file.
type ExiftoolMetadata struct {
	binary string
}

// NewExiftoolMetadata returns a writer using the exiftool found in PATH.
func NewExiftoolMetadata() *ExiftoolMetadata {
	return &ExiftoolMetadata{binary: "exiftool"}
}

// Available reports whether the exiftool binary can be found.
func (m *ExiftoolMetadata) Available() bool {
	_, err := exec.LookPath(m.binary)
	return err == nil
}

// CopyAndMark copies EXIF from src to dst and sets the optimizer mark.
func (m *ExiftoolMetadata) CopyAndMark(ctx context.Context, src, dst string) error {
	if !m.Available() {
		return ErrExiftoolMissing
	}
	cmdCopy := exec.CommandContext(ctx, m.binary, "-TagsFromFile", src, "-overwrite_original", dst)
	if out, err := cmdCopy.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool copy failed: %v: %s", err, out)
	}
	cmdSet := exec.CommandContext(ctx, m.binary, "-overwrite_original", "-Software="+extractor.Mark, dst)
	if out, err := cmdSet.CombinedOutput(); err != nil {
		return fmt.Errorf("exiftool set Software failed: %v: %s", err, out)
	}
	return nil
}
