// Package watcher reloads worker configuration when the managed settings
// files change on disk, so edits apply without a restart.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultDebounce coalesces editor save bursts into one reload.
const defaultDebounce = 500 * time.Millisecond

// ReloadFunc is invoked after changes settle. The path is the file that
// triggered the reload.
type ReloadFunc func(path string)

// Watcher watches the data directory for settings, credential, and mode
// file changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onReload ReloadFunc
	debounce time.Duration

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a watcher over the given directories. Directories that do not
// exist are skipped with a warning. A zero debounce uses the default.
func New(dirs []string, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	watched := 0
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = fsw.Close()
		return nil, fmt.Errorf("no watchable directories")
	}

	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		fsw:      fsw,
		onReload: onReload,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()

	log.Info().Int("dirs", watched).Msg("Settings watcher started")
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	if !relevant(event.Name) {
		return
	}

	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if timer, ok := w.timers[event.Name]; ok {
		timer.Stop()
	}
	w.timers[event.Name] = time.AfterFunc(w.debounce, func() {
		w.timersMu.Lock()
		delete(w.timers, event.Name)
		w.timersMu.Unlock()

		log.Info().Str("file", event.Name).Msg("Settings file changed, reloading")
		w.onReload(event.Name)
	})
}

// relevant filters to the files whose changes matter: the settings file,
// the credentials file, and mode definitions. Editor temp files are noise.
func relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return false
	}
	switch {
	case base == "settings.json", base == ".env":
		return true
	case strings.HasSuffix(base, ".json") && filepath.Base(filepath.Dir(path)) == "modes":
		return true
	}
	return false
}

// Stop shuts the watcher down. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
		select {
		case <-w.doneCh:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("Settings watcher stop timed out")
		}

		w.timersMu.Lock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		w.timersMu.Unlock()
	})
}
