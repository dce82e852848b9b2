package js

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zot/jsbridge/internal/config"
)

// HotLoader watches the files of cached modules. When one changes it drops the module
// from the cache, so the next require evaluates the new source, and posts
// ModuleDidChange with {filename}.
type HotLoader struct {
	config  *config.Config
	runtime *Runtime
	watcher *fsnotify.Watcher

	tracked        map[string]bool   // cached module path -> watched
	symlinkTargets map[string]string // module path -> resolved target file
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewHotLoader creates a hot loader for r. It watches nothing until modules load.
func NewHotLoader(cfg *config.Config, r *Runtime) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	delay := cfg.Watch.Debounce.Duration()
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &HotLoader{
		config:         cfg,
		runtime:        r,
		watcher:        watcher,
		tracked:        make(map[string]bool),
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  delay,
		done:           make(chan struct{}),
	}, nil
}

// Start begins processing file events.
func (h *HotLoader) Start() {
	go h.eventLoop()
	go h.debounceLoop()
	h.config.Log(1, "HotLoader: watching cached modules (debounce %s)", h.debounceDelay)
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.done)
		err = h.watcher.Close()
	})
	return err
}

// Track watches the file of a loaded module. A symlinked file also gets its target's
// directory watched.
func (h *HotLoader) Track(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.tracked[path] {
		return
	}
	if err := h.addWatchLocked(filepath.Dir(path)); err != nil {
		h.config.Log(1, "HotLoader: cannot watch %s: %v", path, err)
		return
	}
	h.tracked[path] = true

	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		h.config.Log(2, "HotLoader: cannot resolve symlink %s: %v", path, err)
		return
	}
	if err := h.addWatchLocked(filepath.Dir(target)); err != nil {
		h.config.Log(1, "HotLoader: cannot watch %s: %v", target, err)
		return
	}
	h.symlinkTargets[path] = target
	h.config.Log(2, "HotLoader: watching symlink target %s for %s", target, path)
}

// Untrack stops watching the file of an evicted module.
func (h *HotLoader) Untrack(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.tracked[path] {
		return
	}
	delete(h.tracked, path)
	h.removeWatchLocked(filepath.Dir(path))
	if target, ok := h.symlinkTargets[path]; ok {
		h.removeWatchLocked(filepath.Dir(target))
		delete(h.symlinkTargets, path)
	}
}

// Tracked reports whether path is being watched.
func (h *HotLoader) Tracked(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracked[path]
}

func (h *HotLoader) addWatchLocked(dir string) error {
	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			delete(h.watchedDirs, dir)
			return err
		}
		h.config.Log(2, "HotLoader: added watch for %s", dir)
	}
	return nil
}

func (h *HotLoader) removeWatchLocked(dir string) {
	h.watchedDirs[dir]--
	if h.watchedDirs[dir] <= 0 {
		h.watcher.Remove(dir)
		delete(h.watchedDirs, dir)
		h.config.Log(2, "HotLoader: removed watch for %s", dir)
	}
}

func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.config.Log(1, "HotLoader: watcher error: %v", err)
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	h.config.Log(3, "HotLoader: event %s on %s", event.Op, event.Name)
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	for _, path := range h.resolveReloadPaths(event.Name) {
		h.queueReload(path)
	}
}

// resolveReloadPaths returns the tracked modules affected by a change to changedPath.
func (h *HotLoader) resolveReloadPaths(changedPath string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var paths []string
	if h.tracked[changedPath] {
		paths = append(paths, changedPath)
	}
	for path, target := range h.symlinkTargets {
		if target == changedPath && path != changedPath {
			paths = append(paths, path)
		}
	}
	return paths
}

func (h *HotLoader) queueReload(path string) {
	h.debounceMu.Lock()
	h.pendingReloads[path] = time.Now()
	h.debounceMu.Unlock()
}

func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.processPendingReloads()
		}
	}
}

// processPendingReloads handles paths that have been quiet for debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := time.Now()
	var toReload []string
	for path, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			toReload = append(toReload, path)
			delete(h.pendingReloads, path)
		}
	}
	h.debounceMu.Unlock()

	for _, path := range toReload {
		h.reload(path)
	}
}

// reload drops path from the runtime's cache and announces the change.
func (h *HotLoader) reload(path string) {
	_, err := h.runtime.execute(func() (any, error) {
		if !h.runtime.loader.Cache().Invalidate(path) {
			return nil, nil
		}
		h.config.Log(1, "HotLoader: %s changed, dropped from the module cache", path)
		info := map[string]any{"filename": path}
		_, err := h.runtime.center.Post(ModuleDidChange, info, nil)
		return nil, err
	})
	if err != nil {
		h.config.Log(1, "HotLoader: error reloading %s: %v", path, err)
	}
}
