package session

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/compressor"
	"squeezer-go/internal/logger"
	"squeezer-go/internal/watcher"
)

// StartWatching watches dir, or the configured watch folder when dir is
// empty. Stable new files are added to the list and optimized. A running
// watch on another folder is stopped first. ctx bounds the watch.
func (s *Session) StartWatching(ctx context.Context, dir string) error {
	cfg := s.Settings()
	if dir == "" {
		dir = cfg.Watch.Path
	}
	if dir == "" {
		return apperr.New(apperr.KindWatchFailed, "", errors.New("no folder to watch"))
	}
	dir = filepath.Clean(dir)

	s.watchOpMu.Lock()
	defer s.watchOpMu.Unlock()

	if w := s.activeWatcher(); w != nil {
		if current, ok := w.Watching(); ok && current == dir {
			return nil
		}
		if err := s.stop(); err != nil {
			logger.WithOperation(s.log, "watch").Warnf("Stopping previous watch: %v", err)
		}
	}

	opts := watcher.Options{
		Debounce:          cfg.Watch.Debounce,
		StabilityInterval: cfg.Watch.StabilityInterval,
		StabilityChecks:   cfg.Watch.StabilityChecks,
		StabilityTimeout:  cfg.Watch.StabilityTimeout,
		Accept:            s.acceptWatched,
		OnEvent:           func(string) { s.stats.IncrementWatchEvents() },
	}
	w := s.newWatcher(opts, s.handleWatched)
	if err := w.Start(ctx, dir); err != nil {
		s.emitError(dir, err)
		return err
	}
	s.watchMu.Lock()
	s.watcher = w
	s.watchMu.Unlock()

	s.cfgMu.Lock()
	s.cfg.Watch.Enabled = true
	s.cfg.Watch.Path = dir
	s.cfgMu.Unlock()

	s.emit(Event{Type: EventWatchStarted, Path: dir})
	return nil
}

// StopWatching ends the current watch, if any, and waits for files that
// are being handled to finish.
func (s *Session) StopWatching() error {
	s.watchOpMu.Lock()
	defer s.watchOpMu.Unlock()
	return s.stop()
}

// stop detaches the watcher before stopping it, because handlers still in
// flight call back into the session.
func (s *Session) stop() error {
	s.watchMu.Lock()
	w := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()
	if w == nil {
		return nil
	}

	dir, _ := w.Watching()
	err := w.Stop()

	s.cfgMu.Lock()
	s.cfg.Watch.Enabled = false
	s.cfgMu.Unlock()

	s.emit(Event{Type: EventWatchStopped, Path: dir})
	return err
}

// WatchStatus returns the watched folder and whether a watch is running.
func (s *Session) WatchStatus() (string, bool) {
	w := s.activeWatcher()
	if w == nil {
		return "", false
	}
	return w.Watching()
}

// Close stops the watch and releases the compressor's helper process.
func (s *Session) Close() error {
	err := s.StopWatching()
	if closer, ok := s.compressor.(io.Closer); ok {
		err = errors.Join(err, closer.Close())
	}
	return err
}

func (s *Session) activeWatcher() FolderWatcher {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.watcher
}

// acceptWatched rejects files the session would never list, including
// outputs written beside their source.
func (s *Session) acceptWatched(path string) bool {
	cfg := s.Settings()
	if !s.supported(path, cfg) {
		return false
	}
	if !cfg.Processing.OverwriteOriginals && cfg.OutputDirectory == "" &&
		compressor.IsOutputName(path, cfg.OutputSuffix) {
		return false
	}
	return true
}

// handleWatched adds a settled file and optimizes it. A file already in
// the list is optimized again, since it changed on disk.
func (s *Session) handleWatched(ctx context.Context, path string) {
	s.stats.IncrementWatchDispatched()
	log := logger.WithFileOperation(s.log, path, "watch")

	var id string
	if item, ok := s.list.FindByPath(path); ok {
		id = item.ID
	} else {
		items, errs := s.AddFiles([]string{path})
		if len(items) == 0 {
			if len(errs) > 0 {
				log.Warnf("Not added: %v", errs[0])
			}
			return
		}
		id = items[0].ID
	}

	if _, err := s.Optimize(ctx, id); err != nil {
		log.Warnf("Optimization failed: %v", err)
	}
}
