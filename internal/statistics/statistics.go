package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome names shared with the compressor's result actions.
const (
	OutcomeCompressed = "compressed"
	OutcomeOriginal   = "original"
	OutcomeValidated  = "validated"
	OutcomeSkipped    = "skipped"
	OutcomeError      = "error"
)

// Statistics contains all statistics for a compression run.
type Statistics struct {
	TotalFilesFound     int64
	TotalFilesProcessed int64
	FilesCompressed     int64
	FilesKeptOriginal   int64
	FilesValidated      int64
	FilesSkipped        int64
	FilesWithErrors     int64

	BytesBefore int64
	BytesAfter  int64

	WatchEvents     int64
	WatchDispatched int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	Errors []StatError

	mutex sync.RWMutex

	FormatStats map[string]int64
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		FormatStats: make(map[string]int64),
		Errors:      make([]StatError, 0),
	}
}

// IncrementFilesFound increases the count of found files by 1.
func (s *Statistics) IncrementFilesFound() {
	atomic.AddInt64(&s.TotalFilesFound, 1)
}

// AddFilesFound increases the count of found files by n.
func (s *Statistics) AddFilesFound(n int) {
	atomic.AddInt64(&s.TotalFilesFound, int64(n))
}

// IncrementWatchEvents increases the count of filesystem events seen by 1.
func (s *Statistics) IncrementWatchEvents() {
	atomic.AddInt64(&s.WatchEvents, 1)
}

// IncrementWatchDispatched increases the count of stable files handed off by 1.
func (s *Statistics) IncrementWatchDispatched() {
	atomic.AddInt64(&s.WatchDispatched, 1)
}

// RecordOutcome books one processed file.
func (s *Statistics) RecordOutcome(outcome, format, path string, before, after int64, err error) {
	atomic.AddInt64(&s.TotalFilesProcessed, 1)

	switch outcome {
	case OutcomeCompressed:
		atomic.AddInt64(&s.FilesCompressed, 1)
	case OutcomeOriginal:
		atomic.AddInt64(&s.FilesKeptOriginal, 1)
	case OutcomeValidated:
		atomic.AddInt64(&s.FilesValidated, 1)
	case OutcomeSkipped:
		atomic.AddInt64(&s.FilesSkipped, 1)
	default:
		atomic.AddInt64(&s.FilesWithErrors, 1)
		msg := "unknown error"
		if err != nil {
			msg = err.Error()
		}
		s.AddError(path, "compress", msg)
		return
	}

	if outcome != OutcomeSkipped {
		atomic.AddInt64(&s.BytesBefore, before)
		atomic.AddInt64(&s.BytesAfter, after)
	}

	if format != "" {
		s.mutex.Lock()
		s.FormatStats[format]++
		s.mutex.Unlock()
	}
}

// SavedBytes returns the bytes removed over all written files.
func (s *Statistics) SavedBytes() int64 {
	saved := atomic.LoadInt64(&s.BytesBefore) - atomic.LoadInt64(&s.BytesAfter)
	if saved < 0 {
		return 0
	}
	return saved
}

// SavingsRatio returns saved/before in [0, 1], 0 when nothing was written.
func (s *Statistics) SavingsRatio() float64 {
	before := atomic.LoadInt64(&s.BytesBefore)
	if before <= 0 {
		return 0
	}
	return float64(s.SavedBytes()) / float64(before)
}

// Finalize calculates final statistics such as duration and files per second.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	totalProcessed := atomic.LoadInt64(&s.TotalFilesProcessed)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(totalProcessed) / s.Duration.Seconds()
	}
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	duration := s.Duration
	fps := s.FilesPerSecond
	s.mutex.RUnlock()

	return fmt.Sprintf(`Squeezer Statistics Summary:

Files:
		Total Found: %d
		Total Processed: %d
		Compressed: %d
		Kept Original: %d
		Validated: %d
		Skipped: %d
		Errors: %d

Size:
		Before: %s
		After: %s
		Saved: %s (%.1f%%)

Watch:
		Events: %d
		Dispatched: %d

Performance:
		Duration: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.TotalFilesFound),
		atomic.LoadInt64(&s.TotalFilesProcessed),
		atomic.LoadInt64(&s.FilesCompressed),
		atomic.LoadInt64(&s.FilesKeptOriginal),
		atomic.LoadInt64(&s.FilesValidated),
		atomic.LoadInt64(&s.FilesSkipped),
		atomic.LoadInt64(&s.FilesWithErrors),
		FormatBytes(atomic.LoadInt64(&s.BytesBefore)),
		FormatBytes(atomic.LoadInt64(&s.BytesAfter)),
		FormatBytes(s.SavedBytes()),
		s.SavingsRatio()*100,
		atomic.LoadInt64(&s.WatchEvents),
		atomic.LoadInt64(&s.WatchDispatched),
		duration,
		fps)
}

// GetFormatBreakdown returns a formatted breakdown of formats processed.
func (s *Statistics) GetFormatBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.FormatStats) == 0 {
		return "No format statistics available"
	}

	formats := make([]string, 0, len(s.FormatStats))
	for f := range s.FormatStats {
		formats = append(formats, f)
	}
	sort.Strings(formats)

	var b strings.Builder
	b.WriteString("Format Breakdown:\n")
	for _, f := range formats {
		fmt.Fprintf(&b, "  %s: %d\n", f, s.FormatStats[f])
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// Snapshot returns the counters as a JSON-friendly map.
func (s *Statistics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"total_found":     atomic.LoadInt64(&s.TotalFilesFound),
		"total_processed": atomic.LoadInt64(&s.TotalFilesProcessed),
		"compressed":      atomic.LoadInt64(&s.FilesCompressed),
		"kept_original":   atomic.LoadInt64(&s.FilesKeptOriginal),
		"validated":       atomic.LoadInt64(&s.FilesValidated),
		"skipped":         atomic.LoadInt64(&s.FilesSkipped),
		"errors":          atomic.LoadInt64(&s.FilesWithErrors),
		"bytes_before":    atomic.LoadInt64(&s.BytesBefore),
		"bytes_after":     atomic.LoadInt64(&s.BytesAfter),
		"watch_events":    atomic.LoadInt64(&s.WatchEvents),
		"watch_dispatch":  atomic.LoadInt64(&s.WatchDispatched),
	}
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
