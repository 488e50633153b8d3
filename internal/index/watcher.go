package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 200 * time.Millisecond

// EventCallback is called after a watcher-driven invalidation with the notes
// refs that changed.
type EventCallback func(refs []string)

// Watch invalidates cache whenever one of refs changes on disk, whether by a
// loose ref update or a rewrite of packed-refs, until ctx is cancelled. Bursts
// of events are coalesced. cb (if non-nil) runs after each invalidation.
//
// Directories created under <gitDir>/refs at runtime are added to the watch
// list, so a notes ref that does not exist yet is picked up on first write.
func Watch(ctx context.Context, cache *Cache, gitDir string, refs []string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	refsRoot := filepath.Join(gitDir, "refs")
	if err := os.MkdirAll(filepath.Join(refsRoot, "notes"), 0o755); err != nil {
		return err
	}
	if err := addDirsRecursive(w, refsRoot); err != nil {
		return err
	}
	if err := w.Add(gitDir); err != nil {
		return err
	}

	watched := make(map[string]string, len(refs)+1)
	for _, ref := range refs {
		watched[filepath.Join(gitDir, filepath.FromSlash(ref))] = ref
	}
	packed := filepath.Join(gitDir, "packed-refs")

	logger.Info("watcher: started", slog.String("git_dir", gitDir), slog.Any("refs", refs))

	var timer *time.Timer
	var fire <-chan time.Time
	pending := map[string]struct{}{}

	schedule := func(ref string) {
		pending[ref] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(debounce)
			fire = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-fire:
			changed := make([]string, 0, len(pending))
			for ref := range pending {
				changed = append(changed, ref)
			}
			pending = map[string]struct{}{}
			timer, fire = nil, nil

			cache.Invalidate()
			logger.Debug("watcher: index invalidated", slog.Any("refs", changed))
			if cb != nil {
				cb(changed)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			path := ev.Name

			if ev.Op&fsnotify.Create != 0 && strings.HasPrefix(path, refsRoot) {
				if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, path); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", path),
							slog.String("error", addErr.Error()))
					}
					continue
				}
			}

			// Ref updates land as <ref>.lock renamed over <ref>.
			target := strings.TrimSuffix(path, ".lock")
			if ref, ok := watched[target]; ok {
				schedule(ref)
				continue
			}
			if target == packed && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				for _, ref := range refs {
					schedule(ref)
				}
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
