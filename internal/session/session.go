package session

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/codec"
	"squeezer-go/internal/compressor"
	"squeezer-go/internal/config"
	"squeezer-go/internal/extractor"
	"squeezer-go/internal/logger"
	"squeezer-go/internal/model"
	"squeezer-go/internal/statistics"
	"squeezer-go/internal/watcher"
)

var (
	// ErrUnknownImage is wrapped in a KindFileNotFound error for ids that
	// are not in the list.
	ErrUnknownImage = errors.New("no image with this id")
	// ErrBusy is returned when an image is already being optimized.
	ErrBusy = errors.New("image is already being optimized")
	// ErrNoConfigPath is returned by SaveSettings when no file was configured.
	ErrNoConfigPath = errors.New("no settings file configured")
)

// FolderWatcher is the part of watcher.Watcher the session drives.
type FolderWatcher interface {
	Start(ctx context.Context, dir string) error
	Stop() error
	Watching() (string, bool)
	Ignore(path string)
}

// markCache is implemented by compressors that cache optimizer marks.
type markCache interface {
	MarkCacheStats() (extractor.CacheStats, bool)
	ClearMarkCache()
}

// WatcherFactory builds a stopped watcher for the given options.
type WatcherFactory func(opts watcher.Options, handler watcher.Handler) FolderWatcher

// Session owns the working list of images and coordinates compression,
// folder watching and settings on its behalf.
type Session struct {
	list       *model.ImageList
	compressor compressor.Compressor
	dispatcher *codec.Dispatcher
	stats      *statistics.Statistics
	log        *logrus.Logger

	cfgMu   sync.RWMutex
	cfg     *config.Config
	cfgPath string

	watchOpMu  sync.Mutex
	watchMu    sync.Mutex
	watcher    FolderWatcher
	newWatcher WatcherFactory

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// Option configures a Session.
type Option func(*Session)

// WithDispatcher sets the dispatcher used to filter added files.
func WithDispatcher(d *codec.Dispatcher) Option {
	return func(s *Session) { s.dispatcher = d }
}

// WithWatcherFactory replaces the fsnotify-backed watcher.
func WithWatcherFactory(f WatcherFactory) Option {
	return func(s *Session) { s.newWatcher = f }
}

// WithConfigPath sets the file SaveSettings writes to.
func WithConfigPath(path string) Option {
	return func(s *Session) { s.cfgPath = path }
}

// WithStatistics sets the counters the session books outcomes into.
func WithStatistics(st *statistics.Statistics) Option {
	return func(s *Session) { s.stats = st }
}

// New creates a session with an empty list.
func New(cfg *config.Config, comp compressor.Compressor, log *logrus.Logger, opts ...Option) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Session{
		list:       model.NewImageList(),
		compressor: comp,
		log:        log,
		cfg:        cfg.Clone(),
		subs:       make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = codec.NewDispatcher()
	}
	if s.stats == nil {
		s.stats = statistics.NewStatistics()
	}
	if s.newWatcher == nil {
		s.newWatcher = func(opts watcher.Options, handler watcher.Handler) FolderWatcher {
			return watcher.New(opts, handler, log)
		}
	}
	return s
}

// AddFiles adds files and the supported images inside directories to the
// list. Paths already in the list are skipped silently. Problems with
// individual paths are returned alongside the items that were added.
func (s *Session) AddFiles(paths []string) ([]*model.ImageItem, []error) {
	cfg := s.Settings()

	var added []*model.ImageItem
	var errs []error
	for _, path := range s.expand(paths, cfg, &errs) {
		if s.list.Contains(path) {
			continue
		}
		item, err := s.newItem(path, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// The list owns item once added.
		snapshot := item.Clone()
		if err := s.list.Add(item); err != nil {
			continue
		}
		s.stats.IncrementFilesFound()
		added = append(added, snapshot)
		s.emit(Event{Type: EventItemAdded, Item: snapshot.Clone()})
	}

	for _, err := range errs {
		s.emitError("", err)
	}
	return added, errs
}

func (s *Session) expand(paths []string, cfg *config.Config, errs *[]error) []string {
	var files []string
	for _, p := range paths {
		p = filepath.Clean(p)
		info, err := os.Stat(p)
		if err != nil {
			*errs = append(*errs, apperr.New(apperr.KindFileNotFound, p, err))
			continue
		}
		if !info.IsDir() {
			if !s.supported(p, cfg) {
				*errs = append(*errs, apperr.New(apperr.KindUnsupportedFormat, p, nil))
				continue
			}
			files = append(files, p)
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.WithFile(s.log, path).Warnf("Cannot access path: %v", err)
				return nil
			}
			if d.IsDir() {
				if path != p && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") || compressor.IsOutputName(path, cfg.OutputSuffix) {
				return nil
			}
			if s.supported(path, cfg) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			*errs = append(*errs, apperr.New(apperr.KindFileNotFound, p, err))
		}
	}
	return files
}

func (s *Session) supported(path string, cfg *config.Config) bool {
	return s.dispatcher.Supports(path) && cfg.IsSupportedExtension(filepath.Ext(path))
}

func (s *Session) newItem(path string, cfg *config.Config) (*model.ImageItem, error) {
	cd, err := s.dispatcher.ForPath(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.New(apperr.KindFileNotFound, path, err)
	}

	item := model.NewImageItem(path, int64(len(src)))
	item.Format = cd.Format().String()

	preview, err := codec.Preview(src, cfg.Performance.PreviewSize)
	if err != nil {
		logger.WithFile(s.log, path).Debugf("No preview: %v", err)
	}
	item.Preview = preview
	return item, nil
}

// Optimize compresses one image with the current settings.
func (s *Session) Optimize(ctx context.Context, id string) (compressor.CompressionResult, error) {
	params := s.params()
	if _, err := s.markOptimizing(id, true); err != nil {
		return compressor.CompressionResult{}, err
	}
	return s.run(ctx, id, params)
}

// OptimizeAll compresses every pending or failed image. Each image runs as
// its own task and ends done or failed independently of the others. The
// returned error joins the per-image failures.
func (s *Session) OptimizeAll(ctx context.Context) ([]compressor.CompressionResult, error) {
	params := s.params()

	var ids []string
	for _, item := range s.list.Items() {
		if item.Status != model.StatusPending && item.Status != model.StatusFailed {
			continue
		}
		if _, err := s.markOptimizing(item.ID, false); err == nil {
			ids = append(ids, item.ID)
			s.compressor.OutputFor(item.SourcePath, params)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	limit := params.Workers
	if limit <= 0 {
		limit = max(runtime.NumCPU(), 2)
	}
	sem := make(chan struct{}, limit)

	results := make([]compressor.CompressionResult, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = s.run(ctx, id, params)
		}(i, id)
	}
	wg.Wait()

	s.stats.Finalize()
	return results, errors.Join(errs...)
}

// markOptimizing flips an item to optimizing. With force, finished items
// are accepted too.
func (s *Session) markOptimizing(id string, force bool) (*model.ImageItem, error) {
	var busy bool
	item, ok := s.list.Update(id, func(it *model.ImageItem) {
		if it.IsOptimizing() || (!force && it.IsDone()) {
			busy = true
			return
		}
		it.Status = model.StatusOptimizing
		it.Error = ""
		it.Action = ""
		it.FinishedAt = nil
	})
	if !ok {
		return nil, apperr.New(apperr.KindFileNotFound, id, ErrUnknownImage)
	}
	if busy {
		return nil, ErrBusy
	}
	s.emit(Event{Type: EventItemUpdated, Item: item})
	return item, nil
}

func (s *Session) run(ctx context.Context, id string, params compressor.CompressionParams) (compressor.CompressionResult, error) {
	item, ok := s.list.Get(id)
	if !ok {
		return compressor.CompressionResult{}, apperr.New(apperr.KindFileNotFound, id, ErrUnknownImage)
	}

	if w := s.activeWatcher(); w != nil {
		w.Ignore(s.compressor.OutputFor(item.SourcePath, params))
	}

	logger.WithImage(s.log, id, item.SourcePath).Debug("Optimizing image")
	res := s.compressor.CompressFile(ctx, item.SourcePath, params)
	s.stats.RecordOutcome(res.Action, res.Format, res.InputPath, res.OriginalSize, res.CompressedSize, res.Error)

	finished := time.Now()
	updated, ok := s.list.Update(id, func(it *model.ImageItem) {
		it.Action = res.Action
		it.FinishedAt = &finished
		if !res.Success {
			it.Status = model.StatusFailed
			it.Error = res.Message
			return
		}
		it.Status = model.StatusDone
		it.OutputPath = res.OutputPath
		it.OriginalSize = res.OriginalSize
		it.OptimizedSize = res.CompressedSize
	})
	if ok {
		s.emit(Event{Type: EventItemUpdated, Item: updated})
	}
	if res.Error != nil {
		s.emitError(item.SourcePath, res.Error)
	}
	return res, res.Error
}

// Remove drops one image from the list. Files on disk are untouched.
func (s *Session) Remove(id string) error {
	if !s.list.Remove(id) {
		return apperr.New(apperr.KindFileNotFound, id, ErrUnknownImage)
	}
	s.emit(Event{Type: EventItemRemoved, ID: id})
	return nil
}

// Clear empties the list and forgets cached marks. Results of tasks still
// running are discarded.
func (s *Session) Clear() {
	s.list.Clear()
	if mc, ok := s.compressor.(markCache); ok {
		mc.ClearMarkCache()
	}
	s.emit(Event{Type: EventListCleared})
}

// Items returns copies of the listed images in insertion order.
func (s *Session) Items() []*model.ImageItem {
	return s.list.Items()
}

// Item returns a copy of one image.
func (s *Session) Item(id string) (*model.ImageItem, error) {
	item, ok := s.list.Get(id)
	if !ok {
		return nil, apperr.New(apperr.KindFileNotFound, id, ErrUnknownImage)
	}
	return item, nil
}

// Totals sums the sizes of finished images.
func (s *Session) Totals() model.Totals {
	return s.list.Totals()
}

// Statistics returns the counters fed by this session.
func (s *Session) Statistics() *statistics.Statistics {
	return s.stats
}

// MarkCacheStats reports how often the optimizer mark was served from
// cache. The second result is false when the compressor keeps no cache.
func (s *Session) MarkCacheStats() (extractor.CacheStats, bool) {
	mc, ok := s.compressor.(markCache)
	if !ok {
		return extractor.CacheStats{}, false
	}
	return mc.MarkCacheStats()
}

// Settings returns a copy of the current settings.
func (s *Session) Settings() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg.Clone()
}

// UpdateSettings validates cfg and makes it current. Quality is clamped
// and presets override it. Turning the watch on or off, or pointing it at
// another folder, takes effect immediately; ctx bounds a newly started
// watch.
func (s *Session) UpdateSettings(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	next := cfg.Clone()
	if err := next.Validate(); err != nil {
		return nil, apperr.New(apperr.KindInvalidSettings, "", err)
	}

	s.cfgMu.Lock()
	s.cfg = next
	s.cfgMu.Unlock()
	s.emit(Event{Type: EventSettingsChanged})

	dir, watching := s.WatchStatus()
	switch {
	case next.Watch.Enabled && (!watching || dir != filepath.Clean(next.Watch.Path)):
		if err := s.StartWatching(ctx, next.Watch.Path); err != nil {
			return s.Settings(), err
		}
	case !next.Watch.Enabled && watching:
		if err := s.StopWatching(); err != nil {
			return s.Settings(), err
		}
	}
	return s.Settings(), nil
}

// SaveSettings writes the current settings to the configured file.
func (s *Session) SaveSettings() error {
	if s.cfgPath == "" {
		return apperr.New(apperr.KindInvalidSettings, "", ErrNoConfigPath)
	}
	if err := s.Settings().Save(s.cfgPath); err != nil {
		return apperr.New(apperr.KindWriteFailed, s.cfgPath, err)
	}
	return nil
}

func (s *Session) params() compressor.CompressionParams {
	return compressor.ParamsFromConfig(s.Settings())
}
