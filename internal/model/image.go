package model

import (
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ImageStatus is the processing state of an ImageItem.
type ImageStatus string

const (
	// StatusPending means the image is in the list but not optimized yet
	StatusPending ImageStatus = "pending"

	// StatusOptimizing means a compression task is running for the image
	StatusOptimizing ImageStatus = "optimizing"

	// StatusDone means the image was written successfully
	StatusDone ImageStatus = "done"

	// StatusFailed means the last attempt failed; see ImageItem.Error
	StatusFailed ImageStatus = "failed"
)

// ImageItem is one image in the working list.
type ImageItem struct {
	ID            string      `json:"id"`
	SourcePath    string      `json:"source_path"`
	OutputPath    string      `json:"output_path,omitempty"`
	OriginalSize  int64       `json:"original_size"`
	OptimizedSize int64       `json:"optimized_size"`
	Format        string      `json:"format"`
	Preview       []byte      `json:"-"`
	Status        ImageStatus `json:"status"`
	Action        string      `json:"action,omitempty"`
	Error         string      `json:"error,omitempty"`
	AddedAt       time.Time   `json:"added_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// NewImageItem returns a pending item for path.
func NewImageItem(path string, size int64) *ImageItem {
	return &ImageItem{
		ID:           uuid.New().String(),
		SourcePath:   filepath.Clean(path),
		OriginalSize: size,
		Status:       StatusPending,
		AddedAt:      time.Now(),
	}
}

// IsOptimizing reports whether a compression task is in flight.
func (i *ImageItem) IsOptimizing() bool {
	return i.Status == StatusOptimizing
}

// IsDone reports whether the image has been written.
func (i *ImageItem) IsDone() bool {
	return i.Status == StatusDone
}

// HasPreview reports whether a thumbnail is cached.
func (i *ImageItem) HasPreview() bool {
	return len(i.Preview) > 0
}

// SavedBytes returns how many bytes optimization removed, never negative.
func (i *ImageItem) SavedBytes() int64 {
	if !i.IsDone() || i.OptimizedSize >= i.OriginalSize {
		return 0
	}
	return i.OriginalSize - i.OptimizedSize
}

// SavingsPercent returns the saved share of the original size rounded to
// the nearest whole percent. It is 0 when the original size is 0.
func (i *ImageItem) SavingsPercent() int {
	return SavingsPercent(i.OriginalSize, i.SavedBytes())
}

// SavingsPercent computes round(saved*100/original), or 0 for an empty
// original.
func SavingsPercent(original, saved int64) int {
	if original <= 0 || saved <= 0 {
		return 0
	}
	return int(math.Round(float64(saved) * 100 / float64(original)))
}

// Clone returns a copy safe to hand out of the list lock.
func (i *ImageItem) Clone() *ImageItem {
	c := *i
	if i.Preview != nil {
		c.Preview = append([]byte(nil), i.Preview...)
	}
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
