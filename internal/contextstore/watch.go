package contextstore

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce     = 250 * time.Millisecond
	watcherBackoffCap = 30 * time.Second
)

// WatchFiles subscribes to file-system changes for path, a file or
// directory, and reloads its contexts into the store under source on
// every change. Changes are debounced to quiesce editors that emit
// several write events per save. A directory watch reloads every
// *.yaml/*.yml file it contains as a distinct origin.
//
// WatchFiles returns once the initial load has completed; the
// background watch loop runs until ctx is cancelled.
func (s *Store) WatchFiles(ctx context.Context, path string, source Source) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return s.watchDirectory(ctx, path, source)
	}
	return s.watchFile(ctx, path, source)
}

func (s *Store) watchFile(ctx context.Context, path string, source Source) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	s.reloadFile(path, source)

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go s.runFileWatchLoop(ctx, watcher, path, source)
	return nil
}

// watchDirectory loads every existing kubeconfig file under dir as its
// own origin, then watches the directory for additions/removals.
// Existing files are reloaded individually (not merged) so that
// removing one file only evicts the contexts it contributed.
func (s *Store) watchDirectory(ctx context.Context, dir string, source Source) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isKubeconfigFile(e.Name()) {
			continue
		}
		s.reloadFile(filepath.Join(dir, e.Name()), source)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go s.runDirWatchLoop(ctx, watcher, dir, source)
	return nil
}

func isKubeconfigFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func (s *Store) runFileWatchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, source Source) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	backoff := watchDebounce

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, func() {
					s.reloadFile(path, source)
				})
			}

			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				s.RemoveSource(source, path)
				watcher.Remove(path)
				go s.waitForRecreation(ctx, watcher, path, source)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("kubeconfig watcher error", "path", path, "error", err)
			time.Sleep(backoff)
			backoff = min(backoff*2, watcherBackoffCap)
		}
	}
}

// waitForRecreation polls for a deleted watch target to reappear (some
// editors replace a file via remove+create rather than truncate+write,
// which also invalidates the inotify watch itself).
func (s *Store) waitForRecreation(ctx context.Context, watcher *fsnotify.Watcher, path string, source Source) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err == nil {
				s.reloadFile(path, source)
				if err := watcher.Add(path); err == nil {
					return
				}
			}
		}
	}
}

func (s *Store) runDirWatchLoop(ctx context.Context, watcher *fsnotify.Watcher, dir string, source Source) {
	defer watcher.Close()

	debounceTimers := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isKubeconfigFile(event.Name) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if t, ok := debounceTimers[event.Name]; ok {
					t.Stop()
				}
				path := event.Name
				debounceTimers[path] = time.AfterFunc(watchDebounce, func() {
					s.reloadFile(path, source)
				})
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.RemoveSource(source, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("kubeconfig directory watcher error", "dir", dir, "error", err)
		}
	}
}

// reloadFile re-reads path and replaces its contexts in the store,
// skipping the reload entirely if the content hash matches the last
// load — the debounce above absorbs rapid duplicate editor events, but
// editors that rewrite a file without changing its content (e.g. a
// touch-on-save) would otherwise still trigger a full store update.
func (s *Store) reloadFile(path string, source Source) {
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read kubeconfig", "path", path, "error", err)
		return
	}

	hash := contentHash(raw)
	s.loadedMu.Lock()
	prev, seen := s.loadedHash[path]
	s.loadedMu.Unlock()
	if seen && prev == hash {
		return
	}

	added, err := s.Load(raw, source, path, 0)
	if err != nil {
		slog.Error("failed to load kubeconfig", "path", path, "error", err)
		return
	}

	s.loadedMu.Lock()
	s.loadedHash[path] = hash
	s.loadedMu.Unlock()

	slog.Info("reloaded kubeconfig source", "path", path, "contexts", added)
}

func contentHash(b []byte) [32]byte {
	return sha256.Sum256(b)
}
