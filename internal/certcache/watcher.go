package certcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the certificate file into the cache whenever it changes on disk.
type Watcher struct {
	cache    *Cache
	path     string
	password string
	logger   *logrus.Logger
	onUpdate func(error)

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for path. onUpdate, if set, is called after every reload attempt.
func NewWatcher(cache *Cache, path, password string, logger *logrus.Logger, onUpdate func(error)) *Watcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Watcher{
		cache:    cache,
		path:     filepath.Clean(path),
		password: password,
		logger:   logger,
		onUpdate: onUpdate,
		done:     make(chan struct{}),
	}
}

// LoadFile parses path and adds the certificate to cache.
func LoadFile(cache *Cache, path, password string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read certificate file: %w", err)
	}
	cert, err := Parse(data, password)
	if err != nil {
		return err
	}
	return cache.Add(cert)
}

// Start watches the parent directory so that atomic replace-by-rename is picked up too.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.WithField("path", w.path).Info("Watching verification certificate file")
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Certificate file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	err := LoadFile(w.cache, w.path, w.password)
	if err != nil {
		w.logger.WithError(err).WithField("path", w.path).Error("Failed to reload verification certificate")
	}
	if w.onUpdate != nil {
		w.onUpdate(err)
	}
}
