package versionstore

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ChangeCallback receives the names added and removed by a re-index
type ChangeCallback func(added, removed []string)

// Watcher re-indexes a Store when archives appear or disappear in its
// directory without going through Upload.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	callback ChangeCallback
	debounce time.Duration

	timer *time.Timer
	mu    sync.Mutex
}

// NewWatcher starts watching the store's root directory
func NewWatcher(store *Store, callback ChangeCallback) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(store.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		callback: callback,
		debounce: 500 * time.Millisecond,
	}, nil
}

// SetDebounce sets how long to wait for a burst of events to settle
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Run processes events until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("versionstore: watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, archiveExt) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reindex)
}

func (w *Watcher) reindex() {
	before := make(map[string]bool)
	for _, v := range w.store.snapshot() {
		before[v.Name] = true
	}

	versions, err := w.store.List()
	if err != nil {
		log.WithError(err).Warn("versionstore: re-index failed")
		return
	}

	var added, removed []string
	for _, v := range versions {
		if !before[v.Name] {
			added = append(added, v.Name)
		}
		delete(before, v.Name)
	}
	for name := range before {
		removed = append(removed, name)
	}
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	log.WithField("added", added).WithField("removed", removed).
		Info("versionstore: index changed on disk")
	if w.callback != nil {
		w.callback(added, removed)
	}
}
