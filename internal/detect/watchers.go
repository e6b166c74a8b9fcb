package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jordanhubbard/weave/internal/trackers/beads"
)

const (
	debounceWindow = 500 * time.Millisecond
	pollInterval   = 5 * time.Second
)

// WatcherRegistry runs one filesystem watcher per configured Beads repo.
// Each watcher debounces bursts of writes to issues.jsonl and enqueues a
// project sweep keyed by the file's content digest, so rewrites that do not
// change content stay quiet.
type WatcherRegistry struct {
	repos      map[string]string
	dispatcher *Dispatcher
	logger     *log.Logger
	watchers   []*repoWatcher
	cancel     context.CancelFunc
}

// NewWatcherRegistry builds the registry for the given project-to-path map.
func NewWatcherRegistry(repos map[string]string, dispatcher *Dispatcher, logger *log.Logger) *WatcherRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &WatcherRegistry{
		repos:      repos,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start spins up a watcher per repo. Repos whose filesystem cannot deliver
// events fall back to polling; Start itself never fails.
func (r *WatcherRegistry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for project, repo := range r.repos {
		w := newRepoWatcher(project, repo, r.dispatcher, r.logger)
		w.start(ctx)
		r.watchers = append(r.watchers, w)
	}
	r.logger.Printf("[Watcher] watching %d Beads repos", len(r.watchers))
}

// Close stops every watcher and waits for in-flight debounce actions.
func (r *WatcherRegistry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, w := range r.watchers {
		w.close()
	}
}

// repoWatcher monitors one repo's issues.jsonl via fsnotify, or by polling
// mtime and size when inotify is unavailable.
type repoWatcher struct {
	project    string
	jsonlPath  string
	parentDir  string
	dispatcher *Dispatcher
	logger     *log.Logger
	debounce   *debouncer
	fsw        *fsnotify.Watcher // nil in polling mode

	mu          sync.Mutex
	lastDigest  string
	lastModTime time.Time
	lastSize    int64
	lastExists  bool

	wg sync.WaitGroup
}

func newRepoWatcher(project, repo string, dispatcher *Dispatcher, logger *log.Logger) *repoWatcher {
	if logger == nil {
		logger = log.Default()
	}
	jsonlPath := filepath.Join(repo, beads.IssuesFileRelPath)
	w := &repoWatcher{
		project:    project,
		jsonlPath:  jsonlPath,
		parentDir:  filepath.Dir(jsonlPath),
		dispatcher: dispatcher,
		logger:     logger,
	}
	w.debounce = newDebouncer(debounceWindow, w.fire)

	// Seed the change detectors with the current state so startup does not
	// fire for content the last run already synced.
	if digest, err := fileDigest(jsonlPath); err == nil {
		w.lastDigest = digest
	}
	if stat, err := os.Stat(jsonlPath); err == nil {
		w.lastExists = true
		w.lastModTime = stat.ModTime()
		w.lastSize = stat.Size()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("[Watcher] %s: fsnotify unavailable (%v), polling every %s", project, err, pollInterval)
		return w
	}
	// The parent directory watch catches creates and renames; the file watch
	// may fail when bd has not exported yet.
	if err := fsw.Add(w.parentDir); err != nil {
		logger.Printf("[Watcher] %s: cannot watch %s (%v), polling every %s", project, w.parentDir, err, pollInterval)
		_ = fsw.Close()
		return w
	}
	if err := fsw.Add(jsonlPath); err != nil && !os.IsNotExist(err) {
		logger.Printf("[Watcher] %s: cannot watch %s: %v", project, jsonlPath, err)
	}
	w.fsw = fsw
	return w
}

func (w *repoWatcher) start(ctx context.Context) {
	w.wg.Add(1)
	if w.fsw == nil {
		go w.pollLoop(ctx)
		return
	}
	go w.watchLoop(ctx)
}

func (w *repoWatcher) close() {
	w.wg.Wait()
	w.debounce.cancelAndWait()
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
}

// fire runs after the debounce window: digest the file and enqueue a sweep
// when the content actually moved.
func (w *repoWatcher) fire() {
	digest, err := fileDigest(w.jsonlPath)
	if err != nil {
		w.logger.Printf("[Watcher] %s: issues file unreadable: %v", w.project, err)
		return
	}
	w.mu.Lock()
	unchanged := digest == w.lastDigest
	w.lastDigest = digest
	w.mu.Unlock()
	if unchanged {
		return
	}
	w.logger.Printf("[Watcher] %s: issues.jsonl changed (digest %s)", w.project, digest)
	w.dispatcher.EnqueueBeadsSweep(w.project, digest)
}

func (w *repoWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.jsonlPath {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0:
				if event.Op&fsnotify.Create != 0 {
					// A fresh export replaced the file; watch the new inode.
					_ = w.fsw.Add(w.jsonlPath)
				}
				w.debounce.trigger()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.logger.Printf("[Watcher] %s: issues.jsonl removed, re-establishing watch", w.project)
				_ = w.fsw.Remove(w.jsonlPath)
				w.rewatch(ctx)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[Watcher] %s: watch error: %v", w.project, err)
		case <-ctx.Done():
			return
		}
	}
}

// rewatch re-adds the file watch after a remove or rename, as git checkouts
// and atomic exports produce. The file usually reappears within moments.
func (w *repoWatcher) rewatch(ctx context.Context) {
	for _, delay := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := w.fsw.Add(w.jsonlPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			w.logger.Printf("[Watcher] %s: re-watch failed: %v", w.project, err)
			return
		}
		w.debounce.trigger()
		return
	}
	w.logger.Printf("[Watcher] %s: issues.jsonl did not reappear, relying on directory watch", w.project)
}

func (w *repoWatcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if w.pollChanged() {
				w.debounce.trigger()
			}
		case <-ctx.Done():
			return
		}
	}
}

// pollChanged compares mtime, size, and existence against the last poll.
func (w *repoWatcher) pollChanged() bool {
	stat, err := os.Stat(w.jsonlPath)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) && w.lastExists {
			w.lastExists = false
			w.lastModTime = time.Time{}
			w.lastSize = 0
			return true
		}
		return false
	}
	if !w.lastExists || !stat.ModTime().Equal(w.lastModTime) || stat.Size() != w.lastSize {
		w.lastExists = true
		w.lastModTime = stat.ModTime()
		w.lastSize = stat.Size()
		return true
	}
	return false
}

// fileDigest is a short content hash of the issues file, used both for
// change dedupe and as the coalescing key of the resulting sweep workflow.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
