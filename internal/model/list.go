package model

import (
	"fmt"
	"path/filepath"
	"sync"
)

// ImageList is the ordered, concurrency-safe working list of images.
type ImageList struct {
	mu     sync.RWMutex
	items  []*ImageItem
	byID   map[string]*ImageItem
	byPath map[string]*ImageItem
}

// Totals aggregates sizes over finished items.
type Totals struct {
	Count          int   `json:"count"`
	Done           int   `json:"done"`
	Failed         int   `json:"failed"`
	OriginalBytes  int64 `json:"original_bytes"`
	OptimizedBytes int64 `json:"optimized_bytes"`
	SavedBytes     int64 `json:"saved_bytes"`
	SavingsPercent int   `json:"savings_percent"`
}

// NewImageList returns an empty list.
func NewImageList() *ImageList {
	return &ImageList{
		byID:   make(map[string]*ImageItem),
		byPath: make(map[string]*ImageItem),
	}
}

// Add appends item unless an item with the same source path is present.
func (l *ImageList) Add(item *ImageItem) error {
	path := filepath.Clean(item.SourcePath)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byPath[path]; exists {
		return fmt.Errorf("image already in list: %s", path)
	}
	item.SourcePath = path
	l.items = append(l.items, item)
	l.byID[item.ID] = item
	l.byPath[path] = item
	return nil
}

// Contains reports whether path is already in the list.
func (l *ImageList) Contains(path string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.byPath[filepath.Clean(path)]
	return ok
}

// FindByPath returns a copy of the item whose source is path.
func (l *ImageList) FindByPath(path string) (*ImageItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.byPath[filepath.Clean(path)]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Get returns a copy of the item with id.
func (l *ImageList) Get(id string) (*ImageItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Items returns copies of all items in insertion order.
func (l *ImageList) Items() []*ImageItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ImageItem, len(l.items))
	for i, item := range l.items {
		out[i] = item.Clone()
	}
	return out
}

// Update mutates the item with id in place and returns a copy of the result.
func (l *ImageList) Update(id string, fn func(*ImageItem)) (*ImageItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	fn(item)
	return item.Clone(), true
}

// Remove drops the item with id.
func (l *ImageList) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.byID[id]
	if !ok {
		return false
	}
	delete(l.byID, id)
	delete(l.byPath, item.SourcePath)
	for i, it := range l.items {
		if it.ID == id {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of items.
func (l *ImageList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Clear discards every item.
func (l *ImageList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.byID = make(map[string]*ImageItem)
	l.byPath = make(map[string]*ImageItem)
}

// Totals sums sizes over done items and counts statuses.
func (l *ImageList) Totals() Totals {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var t Totals
	t.Count = len(l.items)
	for _, item := range l.items {
		switch item.Status {
		case StatusDone:
			t.Done++
			t.OriginalBytes += item.OriginalSize
			t.OptimizedBytes += item.OptimizedSize
			t.SavedBytes += item.SavedBytes()
		case StatusFailed:
			t.Failed++
		}
	}
	t.SavingsPercent = SavingsPercent(t.OriginalBytes, t.SavedBytes)
	return t
}
