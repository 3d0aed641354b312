package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/Benny93/evalprof/internal/storage"
)

// DefaultDebounce is the quiet period used when WatchOptions.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// WatchOptions configures WatchLogs.
type WatchOptions struct {
	Options

	// Debounce is how long a log must stay unchanged before it is profiled.
	Debounce time.Duration

	// OnProfile is called after every successful run.
	OnProfile func(*PipelineResult)

	// OnError is called when profiling a changed log fails.
	OnError func(path string, err error)
}

// watchTarget decides which paths a watch covers.
type watchTarget struct {
	root    string
	file    string // set when a single log is watched
	matcher gitignore.Matcher
}

// WatchLogs monitors root for log changes and profiles every log once it
// settles. root may be a directory, watched recursively, or a single log.
// Blocks until the context is cancelled.
func WatchLogs(ctx context.Context, root string, store storage.ProfileStore, opts WatchOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	target, err := newWatchTarget(root)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if target.file != "" {
		err = watcher.Add(target.root)
	} else {
		err = target.addDirs(watcher, target.root)
	}
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	level.Info(logger).Log("msg", "watching for log changes", "path", root)

	// Batch changed logs until they settle
	changed := make(map[string]bool)
	batchTimer := time.NewTimer(debounce)
	batchTimer.Stop() // Don't start yet

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) && target.file == "" {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := target.addDirs(watcher, event.Name); err != nil {
						level.Warn(logger).Log("msg", "cannot watch new directory", "path", event.Name, "err", err)
					}
					continue
				}
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !target.shouldWatchFile(event.Name) {
				continue
			}

			changed[event.Name] = true
			batchTimer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Error(logger).Log("msg", "watch error", "err", err)

		case <-batchTimer.C:
			processChangedLogs(ctx, changed, store, opts, logger)
			changed = make(map[string]bool)
		}
	}
}

// processChangedLogs profiles every changed log that still exists.
func processChangedLogs(ctx context.Context, changed map[string]bool, store storage.ProfileStore, opts WatchOptions, logger log.Logger) {
	paths := make([]string, 0, len(changed))
	for path := range changed {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			level.Debug(logger).Log("msg", "skipping vanished log", "path", path)
			continue
		}

		result, err := RunPipeline(ctx, path, store, opts.Options, nil)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			level.Error(logger).Log("msg", "profiling changed log failed", "path", path, "err", err)
			if opts.OnError != nil {
				opts.OnError(path, err)
			}
			continue
		}

		level.Info(logger).Log("msg", "profiled changed log", "path", path, "id", result.Profile.ID,
			"tuples", result.Profile.TotalTuples)
		if opts.OnProfile != nil {
			opts.OnProfile(result)
		}
	}
}

func newWatchTarget(root string) (*watchTarget, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accessing %s: %w", abs, err)
	}

	if !info.IsDir() {
		return &watchTarget{root: filepath.Dir(abs), file: abs, matcher: newMatcher(nil)}, nil
	}

	// Continue without gitignore if it cannot be read
	patterns, _ := LoadGitignore(abs)
	return &watchTarget{root: abs, matcher: newMatcher(patterns)}, nil
}

// addDirs watches dir and every directory below it that is not ignored.
func (w *watchTarget) addDirs(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && shouldSkipDir(d.Name(), path, w.root, w.matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// shouldWatchFile checks if a changed file should be profiled.
func (w *watchTarget) shouldWatchFile(path string) bool {
	if w.file != "" {
		return filepath.Clean(path) == w.file
	}

	if !isSupportedFile(path) {
		return false
	}

	relPath, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return !w.matcher.Match(splitPath(relPath), false)
}
