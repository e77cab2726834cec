package session

import (
	"errors"

	"squeezer-go/internal/apperr"
	"squeezer-go/internal/model"
)

// EventType names a change notification.
type EventType string

const (
	EventItemAdded       EventType = "item_added"
	EventItemUpdated     EventType = "item_updated"
	EventItemRemoved     EventType = "item_removed"
	EventListCleared     EventType = "list_cleared"
	EventSettingsChanged EventType = "settings_changed"
	EventWatchStarted    EventType = "watch_started"
	EventWatchStopped    EventType = "watch_stopped"
	EventError           EventType = "error"
)

// Event describes one change to the session.
type Event struct {
	Type  EventType        `json:"type"`
	ID    string           `json:"id,omitempty"`
	Item  *model.ImageItem `json:"item,omitempty"`
	Path  string           `json:"path,omitempty"`
	Kind  string           `json:"kind,omitempty"`
	Error string           `json:"error,omitempty"`
}

// Subscribe registers fn for every future event and returns a function
// that removes it. fn is called outside the session's locks, possibly
// from several goroutines at once.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) emit(ev Event) {
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Session) emitError(path string, err error) {
	if path == "" {
		var e *apperr.Error
		if errors.As(err, &e) {
			path = e.Path
		}
	}
	s.emit(Event{
		Type:  EventError,
		Path:  path,
		Kind:  apperr.KindOf(err).String(),
		Error: err.Error(),
	})
}
