package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ModelMapWatcher hot-reloads the alias table from MODEL_MAP_FILE. Edits
// to the file replace the table atomically; a broken file keeps the
// previous table in place.
type ModelMapWatcher struct {
	cfg     *Config
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu          sync.Mutex
	running     bool
	lastModTime time.Time
}

// NewModelMapWatcher builds a watcher for cfg.ModelMapFile. The file must
// exist at startup so a typo fails fast.
func NewModelMapWatcher(cfg *Config) (*ModelMapWatcher, error) {
	if cfg.ModelMapFile == "" {
		return nil, fmt.Errorf("no model map file configured")
	}
	if _, err := os.Stat(cfg.ModelMapFile); err != nil {
		return nil, fmt.Errorf("model map file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &ModelMapWatcher{
		cfg:     cfg,
		watcher: watcher,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start loads the file once and begins watching its directory (watching
// the directory survives editors that replace the file on save).
func (w *ModelMapWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.reload(); err != nil {
		return err
	}
	if stat, err := os.Stat(w.cfg.ModelMapFile); err == nil {
		w.lastModTime = stat.ModTime()
	}
	if err := w.watcher.Add(filepath.Dir(w.cfg.ModelMapFile)); err != nil {
		return fmt.Errorf("watch model map dir: %w", err)
	}

	w.running = true
	go w.watchLoop()
	return nil
}

// Stop terminates the watch loop.
func (w *ModelMapWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *ModelMapWatcher) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.cfg.ModelMapFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, w.handleChange)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.Errorf("model map watcher error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *ModelMapWatcher) handleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	stat, err := os.Stat(w.cfg.ModelMapFile)
	if err != nil {
		return
	}
	if !stat.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = stat.ModTime()

	if err := w.reload(); err != nil {
		logrus.Errorf("model map reload failed, keeping previous table: %v", err)
		return
	}
	logrus.Infof("model map reloaded from %s", w.cfg.ModelMapFile)
}

func (w *ModelMapWatcher) reload() error {
	data, err := os.ReadFile(w.cfg.ModelMapFile)
	if err != nil {
		return err
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse model map: %w", err)
	}
	w.cfg.SetModelMap(m)
	return nil
}
