package session

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rfduarte/checkpoint/internal/observability"
)

// StoreWatcher invalidates cached sessions whose backing records are changed
// or removed by another process, so the next Resume re-reads disk. It is
// opt-in and purely an invalidation aid: it does not make concurrent writers
// safe, it only shrinks the window in which the cache serves a stale copy.
type StoreWatcher struct {
	watcher            *fsnotify.Watcher
	manager            *Manager
	stabilityThreshold time.Duration
	done               chan struct{}
	debounceTimers     map[string]*time.Timer
	debounceMu         sync.Mutex
	stopOnce           sync.Once
}

// NewStoreWatcher creates a watcher over the manager's store directory.
// stabilityThreshold debounces bursts of events for the same record; zero
// means 100ms.
func NewStoreWatcher(manager *Manager, stabilityThreshold time.Duration) (*StoreWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if stabilityThreshold == 0 {
		stabilityThreshold = 100 * time.Millisecond
	}

	return &StoreWatcher{
		watcher:            watcher,
		manager:            manager,
		stabilityThreshold: stabilityThreshold,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the store directory.
func (w *StoreWatcher) Start() error {
	if err := w.watcher.Add(w.manager.Dir()); err != nil {
		return fmt.Errorf("failed to watch store directory: %w", err)
	}

	go w.eventLoop()

	log.Info().
		Str("dir", w.manager.Dir()).
		Msg("Session store watcher started")

	return nil
}

// Stop stops the watcher and cancels pending debounce timers.
func (w *StoreWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	log.Info().Msg("Session store watcher stopped")
	return nil
}

func (w *StoreWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Store watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	if _, ok := recordID(filepath.Base(event.Name)); !ok {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	w.debounceEvent(event)
}

func (w *StoreWatcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	eventCopy := event

	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, eventCopy.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(eventCopy)
		}
	})
}

func (w *StoreWatcher) processEvent(event fsnotify.Event) {
	switch {
	// Create covers external writers that replace a record atomically with
	// write-temp-then-rename: the rename surfaces as Create on the record name.
	case event.Op&fsnotify.Create == fsnotify.Create,
		event.Op&fsnotify.Write == fsnotify.Write,
		event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		id, _ := recordID(filepath.Base(event.Name))
		w.invalidate(id)
	}
}

// invalidate drops id from the cache. A cached handle that is mid-mutation
// keeps working against its own copy; only future Resume calls re-read disk.
func (w *StoreWatcher) invalidate(id string) {
	m := w.manager

	if m.wroteRecently(id) {
		return
	}

	m.mu.Lock()
	_, ok := m.cache[id]
	if ok {
		delete(m.cache, id)
	}
	cacheSize := len(m.cache)
	m.mu.Unlock()

	if !ok {
		return
	}

	observability.SetSessionCacheSize(cacheSize)

	log.Debug().
		Str("session_id", id).
		Msg("Cached session invalidated by external change")
}
