// Package watcher monitors the configuration and model table files and hot
// reloads them into the running server, so session IDs and model mappings
// can be updated without a restart.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/lmbridge/lmbridge/internal/config"
)

// Watcher reloads configuration and model tables when their files change.
type Watcher struct {
	configPath    string
	modelsPath    string
	endpointsPath string

	store  *config.Store
	tables *config.ModelTables

	// onReload is invoked after a successful reload of any file; the server
	// hooks cursor resets and log reconfiguration in here.
	onReload func(*config.Config)

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	hashes map[string]string
}

// New creates a watcher for the three data files.
func New(configPath, modelsPath, endpointsPath string, store *config.Store, tables *config.ModelTables, onReload func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:    configPath,
		modelsPath:    modelsPath,
		endpointsPath: endpointsPath,
		store:         store,
		tables:        tables,
		onReload:      onReload,
		watcher:       fsw,
		hashes:        make(map[string]string),
	}, nil
}

// Start watches the parent directories of the data files and begins
// processing events. Watching directories instead of files survives
// editors that replace files on save.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := map[string]bool{}
	for _, p := range []string{w.configPath, w.modelsPath, w.endpointsPath} {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		log.Debugf("watching directory: %s", dir)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	var target string
	switch filepath.Clean(event.Name) {
	case filepath.Clean(w.configPath):
		target = w.configPath
	case filepath.Clean(w.modelsPath):
		target = w.modelsPath
	case filepath.Clean(w.endpointsPath):
		target = w.endpointsPath
	default:
		return
	}

	if !w.changed(target) {
		return
	}

	switch target {
	case w.configPath:
		w.reloadConfig()
	case w.modelsPath:
		w.reloadModels()
	case w.endpointsPath:
		w.reloadEndpoints()
	}
}

// changed hashes the file and reports whether its content differs from the
// last processed version. Empty intermediate writes are ignored.
func (w *Watcher) changed(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Errorf("failed to read %s for hash check: %v", path, err)
		return false
	}
	if len(data) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hashes[path] == h {
		return false
	}
	w.hashes[path] = h
	return true
}

func (w *Watcher) reloadConfig() {
	log.Infof("config file changed, reloading: %s", w.configPath)
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config, keeping the previous one: %v", err)
		return
	}
	w.store.Set(cfg)
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func (w *Watcher) reloadModels() {
	log.Infof("model table changed, reloading: %s", w.modelsPath)
	if err := w.tables.LoadModels(w.modelsPath); err != nil {
		log.Errorf("failed to reload model table: %v", err)
		return
	}
	if w.onReload != nil {
		w.onReload(w.store.Get())
	}
}

func (w *Watcher) reloadEndpoints() {
	log.Infof("model endpoint map changed, reloading: %s", w.endpointsPath)
	if err := w.tables.LoadEndpoints(w.endpointsPath); err != nil {
		log.Errorf("failed to reload model endpoint map: %v", err)
		return
	}
	if w.onReload != nil {
		w.onReload(w.store.Get())
	}
}
