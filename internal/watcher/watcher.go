package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/logger"
)

// Handler receives a file whose size has settled.
type Handler func(ctx context.Context, path string)

// Options controls debouncing and the stability check.
type Options struct {
	Debounce          time.Duration
	StabilityInterval time.Duration
	StabilityChecks   int
	StabilityTimeout  time.Duration
	// Accept filters candidate paths; nil accepts everything.
	Accept func(path string) bool
	// OnEvent is called for every accepted filesystem event.
	OnEvent func(path string)
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Debounce:          500 * time.Millisecond,
		StabilityInterval: 250 * time.Millisecond,
		StabilityChecks:   2,
		StabilityTimeout:  30 * time.Second,
	}
}

type fileState struct {
	size    int64
	modTime time.Time
}

func (s fileState) same(o fileState) bool {
	return s.size == o.size && s.modTime.Equal(o.modTime)
}

// Watcher monitors one directory and hands newly added files to a Handler
// once a burst of events has settled and the file stopped growing.
type Watcher struct {
	opts    Options
	handler Handler
	log     *logrus.Logger

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	dir       string
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	timer     *time.Timer
	pending   map[string]struct{}
	ignored   map[string]time.Time
	processed map[string]fileState

	inflight sync.WaitGroup
}

// New returns a stopped watcher.
func New(opts Options, handler Handler, log *logrus.Logger) *Watcher {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.StabilityInterval <= 0 {
		opts.StabilityInterval = def.StabilityInterval
	}
	if opts.StabilityChecks <= 0 {
		opts.StabilityChecks = def.StabilityChecks
	}
	if opts.StabilityTimeout <= 0 {
		opts.StabilityTimeout = def.StabilityTimeout
	}
	return &Watcher{
		opts:      opts,
		handler:   handler,
		log:       log,
		pending:   make(map[string]struct{}),
		ignored:   make(map[string]time.Time),
		processed: make(map[string]fileState),
	}
}

// Start begins watching dir. It fails if the watcher is already running.
func (w *Watcher) Start(ctx context.Context, dir string) error {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return apperr.New(apperr.KindWatchFailed, dir, err)
	}
	if !info.IsDir() {
		return apperr.New(apperr.KindWatchFailed, dir, errors.New("not a directory"))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return apperr.New(apperr.KindWatchFailed, dir, errors.New("already watching "+w.dir))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.New(apperr.KindWatchFailed, dir, err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return apperr.New(apperr.KindWatchFailed, dir, err)
	}

	w.fsw = fsw
	w.dir = dir
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.loopDone = make(chan struct{})
	w.pending = make(map[string]struct{})
	w.processed = make(map[string]fileState)

	go w.loop(w.ctx, fsw, w.loopDone)

	logger.WithOperation(w.log, "watch").Infof("Watching folder %s", dir)
	return nil
}

// Stop ends the watch and waits for in-flight dispatches to return.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return nil
	}
	fsw, cancel, done, dir := w.fsw, w.cancel, w.loopDone, w.dir
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.fsw = nil
	w.dir = ""
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	cancel()
	err := fsw.Close()
	<-done
	w.inflight.Wait()

	logger.WithOperation(w.log, "watch").Infof("Stopped watching %s", dir)
	return err
}

// Watching returns the watched directory and whether a watch is active.
func (w *Watcher) Watching() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir, w.fsw != nil
}

// Ignore suppresses events for path for a while. Used for files the
// handler writes itself.
func (w *Watcher) Ignore(path string) {
	ttl := 4*w.opts.Debounce + w.opts.StabilityTimeout
	w.mu.Lock()
	w.ignored[filepath.Clean(path)] = time.Now().Add(ttl)
	w.mu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.WithOperation(w.log, "watch").Errorf("%v", apperr.New(apperr.KindWatchFailed, "", err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	path := filepath.Clean(ev.Name)
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if w.opts.Accept != nil && !w.opts.Accept(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw == nil || w.isIgnoredLocked(path) {
		return
	}
	if w.opts.OnEvent != nil {
		w.opts.OnEvent(path)
	}

	w.pending[path] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.opts.Debounce, w.flush)
	} else {
		w.timer.Reset(w.opts.Debounce)
	}
}

// flush drains the pending set once the debounce timer fires.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	ctx := w.ctx
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.inflight.Add(len(paths))
	w.mu.Unlock()

	for _, p := range paths {
		go func(path string) {
			defer w.inflight.Done()
			w.settleAndDispatch(ctx, path)
		}(p)
	}
}

func (w *Watcher) settleAndDispatch(ctx context.Context, path string) {
	log := logger.WithFileOperation(w.log, path, "watch")

	err := WaitForStable(ctx, path, w.opts.StabilityInterval, w.opts.StabilityChecks, w.opts.StabilityTimeout)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		log.Debug("File vanished before it settled")
		return
	case errors.Is(err, context.Canceled):
		return
	default:
		log.Warnf("Skipping file: %v", err)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	state := fileState{size: info.Size(), modTime: info.ModTime()}

	w.mu.Lock()
	if w.isIgnoredLocked(path) || w.processed[path].same(state) {
		w.mu.Unlock()
		return
	}
	w.processed[path] = state
	w.mu.Unlock()

	log.WithField("size", state.size).Info("File is stable, dispatching")
	w.handler(ctx, path)
}

func (w *Watcher) isIgnoredLocked(path string) bool {
	until, ok := w.ignored[path]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(w.ignored, path)
		return false
	}
	return true
}
