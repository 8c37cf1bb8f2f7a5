package server

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses the burst of events an editor save produces
const debounceDelay = 100 * time.Millisecond

// Watcher watches the deck file and triggers reload when it changes.
// It watches the deck's directory so that saves which rename a new file
// over the deck are still seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	deckPath string
	onReload func(filePath string) error
	done     chan struct{}
	stopOnce sync.Once
	debug    bool

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the deck at deckPath.
func NewWatcher(deckPath string, onReload func(string) error, debug bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	deckPath = filepath.Clean(deckPath)
	dir := filepath.Dir(deckPath)
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	if debug {
		log.Printf("[Watch] Added directory: %s", dir)
	}

	return &Watcher{
		watcher:  fsWatcher,
		deckPath: deckPath,
		onReload: onReload,
		done:     make(chan struct{}),
		debug:    debug,
	}, nil
}

// Start begins watching for file changes.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.deckPath {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if w.debug {
					log.Printf("[Watch] %s: %s", event.Op, event.Name)
				}
				w.schedule()

			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Watch] Error: %v", err)

			case <-w.done:
				return
			}
		}
	}()
}

// schedule runs the reload once events have been quiet for debounceDelay
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}

	log.Printf("[Watch] File changed: %s", filepath.Base(w.deckPath))
	if err := w.onReload(w.deckPath); err != nil {
		log.Printf("[Watch] Reload failed for %s: %v", w.deckPath, err)
	}
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
