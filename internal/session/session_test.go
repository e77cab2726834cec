package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/compressor"
	"squeezer-go/internal/config"
	"squeezer-go/internal/extractor"
	"squeezer-go/internal/logger"
	"squeezer-go/internal/model"
	"squeezer-go/internal/watcher"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(t EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fakeWatcher struct {
	mu      sync.Mutex
	opts    watcher.Options
	handler watcher.Handler
	dir     string
	running bool
	ignored []string
}

func (f *fakeWatcher) Start(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dir, f.running = dir, true
	return nil
}

func (f *fakeWatcher) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeWatcher) Watching() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dir, f.running
}

func (f *fakeWatcher) Ignore(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignored = append(f.ignored, path)
}

func noisyImage(w, h int) image.Image {
	img := imaging.New(w, h, color.NRGBA{})
	seed := uint32(11)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			img.Set(x, y, color.NRGBA{R: uint8(seed >> 24), G: uint8(x * 2), B: uint8(y * 3), A: 255})
		}
	}
	return img
}

func writeJPEG(t *testing.T, path string) {
	t.Helper()
	if err := imaging.Save(noisyImage(64, 48), path, imaging.JPEGQuality(100)); err != nil {
		t.Fatalf("save %s: %v", path, err)
	}
}

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	log := logger.Discard()
	comp := compressor.NewDefaultCompressor(log,
		compressor.WithMarkReader(extractor.NewEXIFMarkReader(log, extractor.WithoutExiftool())),
		compressor.WithMetadataWriter(nil),
	)
	cfg := config.DefaultConfig()
	cfg.Performance.WorkerThreads = 2
	s := New(cfg, comp, log, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddFiles(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpg"))
	if err := imaging.Save(noisyImage(20, 20), filepath.Join(dir, "b.png")); err != nil {
		t.Fatal(err)
	}
	writeJPEG(t, filepath.Join(dir, "a-optimized.jpg"))
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0644)

	s := newTestSession(t)
	events := &eventLog{}
	s.Subscribe(events.record)

	items, errs := s.AddFiles([]string{
		dir,
		filepath.Join(dir, "missing.jpg"),
		filepath.Join(dir, "notes.txt"),
	})

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %v", errs)
	}
	if !apperr.IsKind(errs[0], apperr.KindFileNotFound) {
		t.Errorf("expected file not found, got %v", errs[0])
	}
	if !apperr.IsKind(errs[1], apperr.KindUnsupportedFormat) {
		t.Errorf("expected unsupported format, got %v", errs[1])
	}

	for _, item := range items {
		if item.Status != model.StatusPending {
			t.Errorf("%s: expected pending, got %s", item.SourcePath, item.Status)
		}
		if !item.HasPreview() {
			t.Errorf("%s: expected a preview", item.SourcePath)
		}
		if item.OriginalSize == 0 {
			t.Errorf("%s: size not recorded", item.SourcePath)
		}
	}
	if events.count(EventItemAdded) != 2 || events.count(EventError) != 2 {
		t.Errorf("unexpected events: %+v", events.events)
	}

	again, errs := s.AddFiles([]string{filepath.Join(dir, "a.jpg")})
	if len(again) != 0 || len(errs) != 0 {
		t.Errorf("duplicate add should be a silent no-op, got %d items, %v", len(again), errs)
	}
	if len(s.Items()) != 2 {
		t.Errorf("expected 2 listed items, got %d", len(s.Items()))
	}
}

func TestOptimizeAllIndependentFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.jpg")
	bad := filepath.Join(dir, "bad.gif")
	writeJPEG(t, good)
	_ = os.WriteFile(bad, []byte("definitely not a gif"), 0644)

	s := newTestSession(t)
	events := &eventLog{}
	s.Subscribe(events.record)

	if _, errs := s.AddFiles([]string{good, bad}); len(errs) != 0 {
		t.Fatalf("AddFiles: %v", errs)
	}

	results, err := s.OptimizeAll(context.Background())
	if err == nil {
		t.Fatal("expected the broken file to be reported")
	}
	if !apperr.IsKind(err, apperr.KindInvalidImage) {
		t.Errorf("expected invalid image in joined error, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	byPath := make(map[string]*model.ImageItem)
	for _, item := range s.Items() {
		byPath[item.SourcePath] = item
	}
	if got := byPath[good]; got.Status != model.StatusDone || got.OptimizedSize == 0 {
		t.Errorf("good image: %+v", got)
	}
	if got := byPath[bad]; got.Status != model.StatusFailed || got.Error == "" {
		t.Errorf("bad image: %+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "good-optimized.jpg")); err != nil {
		t.Errorf("output not written: %v", err)
	}

	totals := s.Totals()
	if totals.Done != 1 || totals.Failed != 1 || totals.SavedBytes <= 0 {
		t.Errorf("unexpected totals: %+v", totals)
	}
	// Each image goes optimizing then finished.
	if events.count(EventItemUpdated) != 4 {
		t.Errorf("expected 4 updates, got %d", events.count(EventItemUpdated))
	}

	again, err := s.OptimizeAll(context.Background())
	if err == nil || len(again) != 1 || again[0].InputPath != bad {
		t.Errorf("second run should only retry the failed image, got %d results, %v", len(again), err)
	}
	if s.Statistics().FilesCompressed != 1 {
		t.Errorf("expected 1 compressed file in statistics, got %d", s.Statistics().FilesCompressed)
	}
}

func TestOptimizeAllSharedOutputDirectory(t *testing.T) {
	src := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	a := filepath.Join(src, "a", "photo.jpg")
	b := filepath.Join(src, "b", "photo.jpg")
	for _, p := range []string{a, b} {
		_ = os.MkdirAll(filepath.Dir(p), 0755)
		writeJPEG(t, p)
	}

	s := newTestSession(t)
	s.cfgMu.Lock()
	s.cfg.OutputDirectory = out
	s.cfgMu.Unlock()

	if _, errs := s.AddFiles([]string{a, b}); len(errs) != 0 {
		t.Fatalf("AddFiles: %v", errs)
	}
	results, err := s.OptimizeAll(context.Background())
	if err != nil {
		t.Fatalf("OptimizeAll: %v", err)
	}
	if len(results) != 2 || results[0].OutputPath == results[1].OutputPath {
		t.Fatalf("outputs collide: %+v", results)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 files in %s, got %d", out, len(entries))
	}
}

func TestMarkCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jpg")
	writeJPEG(t, path)

	s := newTestSession(t)
	items, _ := s.AddFiles([]string{path})
	if _, err := s.Optimize(context.Background(), items[0].ID); err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	stats, ok := s.MarkCacheStats()
	if !ok || stats.TotalQueries != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected cache stats: %+v, %v", stats, ok)
	}

	s.Clear()
	if stats, _ := s.MarkCacheStats(); stats.TotalQueries != 0 {
		t.Errorf("Clear should reset the mark cache, got %+v", stats)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOptimizeErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	writeJPEG(t, path)

	s := newTestSession(t)
	if _, err := s.Optimize(context.Background(), "nope"); !errors.Is(err, ErrUnknownImage) ||
		!apperr.IsKind(err, apperr.KindFileNotFound) {
		t.Errorf("expected unknown image, got %v", err)
	}

	items, _ := s.AddFiles([]string{path})
	id := items[0].ID
	s.list.Update(id, func(it *model.ImageItem) { it.Status = model.StatusOptimizing })
	if _, err := s.Optimize(context.Background(), id); !errors.Is(err, ErrBusy) {
		t.Errorf("expected busy, got %v", err)
	}
	s.list.Update(id, func(it *model.ImageItem) { it.Status = model.StatusPending })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Optimize(ctx, id); !apperr.IsKind(err, apperr.KindCancelled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if item, _ := s.Item(id); item.Status != model.StatusFailed {
		t.Errorf("cancelled image should be failed, got %s", item.Status)
	}

	res, err := s.Optimize(context.Background(), id)
	if err != nil || res.Action != compressor.ActionCompressed {
		t.Errorf("retry failed: %+v, %v", res, err)
	}
}

func TestRemoveAndClear(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jpg")
	b := filepath.Join(dir, "b.jpg")
	writeJPEG(t, a)
	writeJPEG(t, b)

	s := newTestSession(t)
	events := &eventLog{}
	unsubscribe := s.Subscribe(events.record)

	items, _ := s.AddFiles([]string{a, b})
	if err := s.Remove(items[0].ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(items[0].ID); !apperr.IsKind(err, apperr.KindFileNotFound) {
		t.Errorf("second Remove should report not found, got %v", err)
	}
	if _, err := os.Stat(a); err != nil {
		t.Errorf("Remove must not touch the file: %v", err)
	}

	s.Clear()
	if len(s.Items()) != 0 {
		t.Error("Clear left items behind")
	}
	if events.count(EventItemRemoved) != 1 || events.count(EventListCleared) != 1 {
		t.Errorf("unexpected events: %+v", events.events)
	}

	unsubscribe()
	s.Clear()
	if events.count(EventListCleared) != 1 {
		t.Error("unsubscribed listener still notified")
	}
}

func TestUpdateSettings(t *testing.T) {
	s := newTestSession(t)

	cfg := s.Settings()
	cfg.Preset = config.PresetCustom
	cfg.Quality = 7
	got, err := s.UpdateSettings(context.Background(), cfg)
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if got.Quality != config.MaxQuality || s.Settings().Quality != config.MaxQuality {
		t.Errorf("quality not clamped: %v", got.Quality)
	}

	cfg = s.Settings()
	cfg.Preset = config.PresetSmallest
	cfg.Quality = 0.9
	got, _ = s.UpdateSettings(context.Background(), cfg)
	if got.Quality != 0.5 {
		t.Errorf("preset should override quality, got %v", got.Quality)
	}

	cfg = s.Settings()
	cfg.Preset = "ultra"
	if _, err := s.UpdateSettings(context.Background(), cfg); !apperr.IsKind(err, apperr.KindInvalidSettings) {
		t.Errorf("expected invalid settings, got %v", err)
	}
	if s.Settings().Preset != config.PresetSmallest {
		t.Error("rejected settings must not be applied")
	}
}

func TestSaveSettings(t *testing.T) {
	s := newTestSession(t)
	if err := s.SaveSettings(); !errors.Is(err, ErrNoConfigPath) {
		t.Errorf("expected missing path error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "settings.yaml")
	s = newTestSession(t, WithConfigPath(path))
	if err := s.SaveSettings(); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("settings file not written: %v", err)
	}
}

func TestWatchingWithFakeWatcher(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeWatcher{}
	s := newTestSession(t, WithWatcherFactory(func(opts watcher.Options, h watcher.Handler) FolderWatcher {
		fake.opts, fake.handler = opts, h
		return fake
	}))
	events := &eventLog{}
	s.Subscribe(events.record)

	if err := s.StartWatching(context.Background(), dir); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	if got, ok := s.WatchStatus(); !ok || got != dir {
		t.Errorf("WatchStatus() = (%s, %v)", got, ok)
	}
	if cfg := s.Settings(); !cfg.Watch.Enabled || cfg.Watch.Path != dir {
		t.Errorf("watch settings not recorded: %+v", cfg.Watch)
	}

	accept := fake.opts.Accept
	if !accept(filepath.Join(dir, "x.jpg")) || accept(filepath.Join(dir, "x-optimized.jpg")) || accept(filepath.Join(dir, "x.txt")) {
		t.Error("Accept filter is wrong")
	}

	path := filepath.Join(dir, "dropped.jpg")
	writeJPEG(t, path)
	fake.handler(context.Background(), path)

	items := s.Items()
	if len(items) != 1 || items[0].Status != model.StatusDone {
		t.Fatalf("watched file not optimized: %+v", items)
	}
	if len(fake.ignored) != 1 || fake.ignored[0] != filepath.Join(dir, "dropped-optimized.jpg") {
		t.Errorf("output not ignored: %v", fake.ignored)
	}

	// A changed file that is already listed is optimized again.
	fake.handler(context.Background(), path)
	if len(s.Items()) != 1 || s.Statistics().WatchDispatched != 2 {
		t.Errorf("re-dispatch should reuse the item, got %d items", len(s.Items()))
	}

	if err := s.StopWatching(); err != nil {
		t.Fatalf("StopWatching: %v", err)
	}
	if _, ok := s.WatchStatus(); ok {
		t.Error("watch still running")
	}
	if s.Settings().Watch.Enabled {
		t.Error("watch still enabled in settings")
	}
	if events.count(EventWatchStarted) != 1 || events.count(EventWatchStopped) != 1 {
		t.Errorf("unexpected events: %+v", events.events)
	}
}

func TestStartWatchingWithoutFolder(t *testing.T) {
	s := newTestSession(t)
	if err := s.StartWatching(context.Background(), ""); !apperr.IsKind(err, apperr.KindWatchFailed) {
		t.Errorf("expected watch failure, got %v", err)
	}
	if err := s.StartWatching(context.Background(), filepath.Join(t.TempDir(), "missing")); !apperr.IsKind(err, apperr.KindWatchFailed) {
		t.Errorf("expected watch failure for a missing folder, got %v", err)
	}
}

func TestWatchedFolderEndToEnd(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t)

	cfg := s.Settings()
	cfg.Watch.Debounce = 50 * time.Millisecond
	cfg.Watch.StabilityInterval = 20 * time.Millisecond
	cfg.Watch.StabilityTimeout = 2 * time.Second
	if _, err := s.UpdateSettings(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	done := make(chan *model.ImageItem, 4)
	s.Subscribe(func(ev Event) {
		if ev.Type == EventItemUpdated && ev.Item.IsDone() {
			done <- ev.Item
		}
	})

	if err := s.StartWatching(context.Background(), dir); err != nil {
		t.Fatalf("StartWatching: %v", err)
	}
	writeJPEG(t, filepath.Join(dir, "incoming.jpg"))

	select {
	case item := <-done:
		if filepath.Base(item.SourcePath) != "incoming.jpg" {
			t.Errorf("unexpected item %s", item.SourcePath)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watched file was never optimized")
	}

	time.Sleep(300 * time.Millisecond)
	if n := len(s.Items()); n != 1 {
		t.Errorf("output file was picked up again: %d items", n)
	}
}
