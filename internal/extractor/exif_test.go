package extractor

import (
	"bytes"
	"encoding/binary"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"squeezer-go/internal/logger"
)

// jpegWithSoftware returns a small JPEG whose IFD0 carries Software=software.
func jpegWithSoftware(t *testing.T, software string) []byte {
	t.Helper()

	var img bytes.Buffer
	if err := imaging.Encode(&img, imaging.New(8, 8, color.White), imaging.JPEG); err != nil {
		t.Fatalf("encode: %v", err)
	}

	value := append([]byte(software), 0)
	var tiff bytes.Buffer
	tiff.WriteString("II*\x00")
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(8))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(1))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(0x0131))
	_ = binary.Write(&tiff, binary.LittleEndian, uint16(2))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(len(value)))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(26))
	_ = binary.Write(&tiff, binary.LittleEndian, uint32(0))
	tiff.Write(value)

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)

	var out bytes.Buffer
	out.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(img.Bytes()[2:])
	return out.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestIsOptimizedDetectsMark(t *testing.T) {
	dir := t.TempDir()
	reader := NewEXIFMarkReader(logger.Discard(), WithoutExiftool())

	marked := writeFile(t, dir, "marked.jpg", jpegWithSoftware(t, Mark))
	other := writeFile(t, dir, "other.jpg", jpegWithSoftware(t, "Some Camera 1.0"))

	ok, err := reader.IsOptimized(marked)
	if err != nil || !ok {
		t.Errorf("IsOptimized(marked) = (%v, %v), expected (true, nil)", ok, err)
	}

	ok, err = reader.IsOptimized(other)
	if err != nil || ok {
		t.Errorf("IsOptimized(other) = (%v, %v), expected (false, nil)", ok, err)
	}
}

func TestIsOptimizedWithoutExif(t *testing.T) {
	dir := t.TempDir()
	reader := NewEXIFMarkReader(logger.Discard(), WithoutExiftool())

	var buf bytes.Buffer
	_ = imaging.Encode(&buf, imaging.New(4, 4, color.Black), imaging.JPEG)
	path := writeFile(t, dir, "plain.jpeg", buf.Bytes())

	ok, err := reader.IsOptimized(path)
	if err != nil || ok {
		t.Errorf("IsOptimized(plain) = (%v, %v), expected (false, nil)", ok, err)
	}
}

func TestIsOptimizedCaches(t *testing.T) {
	dir := t.TempDir()
	reader := NewEXIFMarkReader(logger.Discard(), WithoutExiftool())
	path := writeFile(t, dir, "a.jpg", jpegWithSoftware(t, Mark))

	for i := 0; i < 3; i++ {
		if _, err := reader.IsOptimized(path); err != nil {
			t.Fatalf("IsOptimized: %v", err)
		}
	}

	stats := reader.GetCacheStats()
	if stats.Misses != 1 || stats.Hits != 2 || stats.TotalQueries != 3 {
		t.Errorf("unexpected cache stats: %+v", stats)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("unexpected hit rate: %v", stats.HitRate)
	}

	reader.ClearCache()
	if reader.GetCacheStats().TotalQueries != 0 {
		t.Error("ClearCache should reset statistics")
	}
}

func TestIsOptimizedErrors(t *testing.T) {
	reader := NewEXIFMarkReader(logger.Discard(), WithoutExiftool())

	if _, err := reader.IsOptimized("image.png"); err == nil {
		t.Error("Expected error for unsupported extension")
	}
	if _, err := reader.IsOptimized(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Error("Expected error for missing file")
	}
	if err := reader.Close(); err != nil {
		t.Errorf("Close without exiftool: %v", err)
	}
}

func TestMarkSourceString(t *testing.T) {
	if MarkSourceGoExif.String() == MarkSourceExiftool.String() {
		t.Error("mark sources should have distinct names")
	}
	if MarkSourceUnknown.String() != "Unknown" {
		t.Errorf("unexpected name %q", MarkSourceUnknown.String())
	}
}
