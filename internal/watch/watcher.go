// Package watch re-runs validation when an authentication repository's
// metadata or target files change on disk.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taf/internal/logging"
	"taf/internal/repository"
)

// ValidateFunc is invoked after changes settle. The error is logged, not
// propagated; the watcher keeps running.
type ValidateFunc func(ctx context.Context) error

// Watcher watches the metadata/ and targets/ directories of an
// authentication repository and triggers revalidation after a debounce
// window.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	repoPath    string
	validate    ValidateFunc
	debounceDur time.Duration
	pending     map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	runs   int
	errors int
}

// New creates a watcher for the repository at repoPath.
func New(repoPath string, validate ValidateFunc) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		repoPath:    repoPath,
		validate:    validate,
		debounceDur: 500 * time.Millisecond,
		pending:     make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	log := logging.Get(logging.CategoryWatch)
	for _, dir := range []string{
		filepath.Join(w.repoPath, repository.MetadataDir),
		filepath.Join(w.repoPath, repository.TargetsDir),
	} {
		if err := w.watcher.Add(dir); err != nil {
			log.Warn("cannot watch %s: %v", dir, err)
		} else {
			log.Info("watching %s", dir)
		}
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("error closing watcher: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryWatch)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue // chmod etc.
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error("watch error: %v", err)
			w.mu.Lock()
			w.errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// flush triggers one validation when all pending events settled past the
// debounce window.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	for _, t := range w.pending {
		if now.Sub(t) < w.debounceDur {
			w.mu.Unlock()
			return
		}
	}
	w.pending = make(map[string]time.Time)
	w.runs++
	w.mu.Unlock()

	log := logging.Get(logging.CategoryWatch)
	log.Info("changes settled, revalidating %s", w.repoPath)
	if err := w.validate(ctx); err != nil {
		log.Error("validation failed: %v", err)
		w.mu.Lock()
		w.errors++
		w.mu.Unlock()
	}
}

// Runs returns how many validations the watcher has triggered.
func (w *Watcher) Runs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

// Errors returns how many watch or validation errors occurred.
func (w *Watcher) Errors() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errors
}
