package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// EXIFMarkReader reads the optimizer mark from the EXIF Software tag.
// It tries goexif first and falls back to an exiftool process when one
// is available.
type EXIFMarkReader struct {
	logger *logrus.Logger
	cache  *sync.Map
	stats  CacheStats
	mutex  sync.RWMutex

	etMutex sync.Mutex
	et      *exiftool.Exiftool
	etTried bool
	noTool  bool
}

// Option configures an EXIFMarkReader.
type Option func(*EXIFMarkReader)

// WithoutExiftool disables the exiftool fallback.
func WithoutExiftool() Option {
	return func(e *EXIFMarkReader) {
		e.noTool = true
	}
}

// NewEXIFMarkReader returns a new EXIFMarkReader.
func NewEXIFMarkReader(logger *logrus.Logger, opts ...Option) *EXIFMarkReader {
	e := &EXIFMarkReader{
		logger: logger,
		cache:  &sync.Map{},
		stats:  CacheStats{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsOptimized reports whether filePath carries the mark. Files without
// readable metadata are reported as not optimized.
func (e *EXIFMarkReader) IsOptimized(filePath string) (bool, error) {
	if !e.SupportsFile(filePath) {
		return false, fmt.Errorf("file type not supported by mark reader: %s", filePath)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}

	key := e.getCacheKey(filePath, fileInfo)
	if value, ok := e.cache.Load(key); ok {
		e.incrementCacheHits()
		return value.(bool), nil
	}
	e.incrementCacheMisses()

	software, source, err := e.readSoftware(filePath)
	if err != nil {
		e.logger.Debugf("No Software tag for %s: %v", filePath, err)
		e.cache.Store(key, false)
		return false, nil
	}

	marked := strings.Contains(software, markPrefix)
	e.logger.Debugf("Read Software=%q from %s via %s", software, filePath, source)
	e.cache.Store(key, marked)
	return marked, nil
}

// SupportsFile reports whether the file can carry EXIF data we read.
func (e *EXIFMarkReader) SupportsFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	supportedExts := []string{".jpg", ".jpeg"}

	return slices.Contains(supportedExts, ext)
}

// ClearCache removes all entries from the internal cache and resets statistics.
func (e *EXIFMarkReader) ClearCache() {
	e.cache.Range(func(key, _ any) bool {
		e.cache.Delete(key)
		return true
	})
	e.mutex.Lock()
	e.stats = CacheStats{}
	e.mutex.Unlock()
}

// GetCacheStats returns cache statistics for this reader.
func (e *EXIFMarkReader) GetCacheStats() CacheStats {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	stats := e.stats
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

// Close stops the exiftool process if one was started.
func (e *EXIFMarkReader) Close() error {
	e.etMutex.Lock()
	defer e.etMutex.Unlock()
	if e.et == nil {
		return nil
	}
	err := e.et.Close()
	e.et = nil
	return err
}

func (e *EXIFMarkReader) readSoftware(filePath string) (string, MarkSource, error) {
	software, err := e.readWithGoExif(filePath)
	if err == nil {
		return software, MarkSourceGoExif, nil
	}

	if s, toolErr := e.readWithExiftool(filePath); toolErr == nil {
		return s, MarkSourceExiftool, nil
	}
	return "", MarkSourceUnknown, err
}

// readWithGoExif reads the Software tag using the rwcarlsen/goexif library.
func (e *EXIFMarkReader) readWithGoExif(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return "", fmt.Errorf("failed to decode EXIF: %w", err)
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return "", err
	}
	return tag.StringVal()
}

// readWithExiftool reads the Software tag through a shared exiftool process.
func (e *EXIFMarkReader) readWithExiftool(filePath string) (string, error) {
	e.etMutex.Lock()
	defer e.etMutex.Unlock()

	if e.noTool {
		return "", fmt.Errorf("exiftool disabled")
	}
	if e.et == nil {
		if e.etTried {
			return "", fmt.Errorf("exiftool unavailable")
		}
		e.etTried = true
		et, err := exiftool.NewExiftool()
		if err != nil {
			e.logger.Debugf("exiftool not available: %v", err)
			return "", err
		}
		e.et = et
	}

	files := e.et.ExtractMetadata(filePath)
	if len(files) == 0 {
		return "", fmt.Errorf("no metadata returned")
	}
	if files[0].Err != nil {
		return "", files[0].Err
	}
	return files[0].GetString("Software")
}

// getCacheKey returns a cache key for the given file path and file info.
func (e *EXIFMarkReader) getCacheKey(filePath string, fileInfo os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().UnixNano())
}

// incrementCacheHits increments the cache hit counter.
func (e *EXIFMarkReader) incrementCacheHits() {
	e.mutex.Lock()
	e.stats.Hits++
	e.stats.TotalQueries++
	e.mutex.Unlock()
}

// incrementCacheMisses increments the cache miss counter.
func (e *EXIFMarkReader) incrementCacheMisses() {
	e.mutex.Lock()
	e.stats.Misses++
	e.stats.TotalQueries++
	e.mutex.Unlock()
}
