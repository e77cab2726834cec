package extractor

// MarkReader reports whether a file already carries the optimizer mark.
type MarkReader interface {
	IsOptimized(filePath string) (bool, error)
	SupportsFile(filePath string) bool
}

// CachedMarkReader extends MarkReader with caching capabilities.
type CachedMarkReader interface {
	MarkReader
	ClearCache()
	GetCacheStats() CacheStats
}

// MarkSource represents where the mark was looked up.
type MarkSource int

const (
	MarkSourceUnknown MarkSource = iota
	MarkSourceGoExif
	MarkSourceExiftool
)

// String returns a human-readable description of the mark source.
func (ms MarkSource) String() string {
	switch ms {
	case MarkSourceGoExif:
		return "EXIF (goexif)"
	case MarkSourceExiftool:
		return "exiftool"
	default:
		return "Unknown"
	}
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalQueries int64   `json:"total_queries"`
}

// Mark is the value written into the EXIF Software tag of optimized files.
const Mark = "Squeezer Optimized"

// markPrefix matches older and newer mark variants.
const markPrefix = "Squeezer"
