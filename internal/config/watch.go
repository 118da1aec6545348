package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/l0p7/purgectl/internal/settings"
)

const reloadDebounce = 25 * time.Millisecond

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// PurgersWatcher rebuilds the purger bundle whenever the configured
// definition file or folder changes. Stop releases the fsnotify handle.
type PurgersWatcher struct {
	fs       *fsnotify.Watcher
	source   PurgersConfig
	inline   map[string]settings.PurgerSettings
	onChange func(PurgerBundle)
	onError  func(error)

	targetFile string
	dirs       map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *PurgersWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchPurgers delivers the current bundle to onChange, then again after
// every relevant filesystem change. cfg should come from Loader.Load so inline
// purgers survive reloads.
func (l *Loader) WatchPurgers(ctx context.Context, cfg Config, onChange func(PurgerBundle), onError func(error)) (*PurgersWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch purgers requires a change callback")
	}
	source := cfg.Server.Purgers
	if source.PurgersFile == "" && source.PurgersFolder == "" {
		return nil, errors.New("config: no purgers source configured for watching")
	}

	inline := clonePurgerMap(cfg.InlinePurgers)
	bundle, err := buildPurgerBundle(ctx, inline, source)
	if err != nil {
		return nil, err
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch purgers: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &PurgersWatcher{
		fs:       fs,
		source:   source,
		inline:   inline,
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.addTargets()
	onChange(bundle)

	go w.loop(watchCtx)
	return w, nil
}

func (w *PurgersWatcher) report(err error) {
	if err != nil && w.onError != nil {
		w.onError(err)
	}
}

func (w *PurgersWatcher) addTargets() {
	if w.source.PurgersFile != "" {
		path, err := filepath.Abs(w.source.PurgersFile)
		if err != nil {
			w.report(fmt.Errorf("config: resolve purgers file: %w", err))
			path = w.source.PurgersFile
		}
		w.targetFile = filepath.Clean(path)
		w.addDir(filepath.Dir(w.targetFile))
		return
	}

	root, err := filepath.Abs(w.source.PurgersFolder)
	if err != nil {
		w.report(fmt.Errorf("config: resolve purgers folder: %w", err))
		root = w.source.PurgersFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	w.report(err)
}

func (w *PurgersWatcher) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.report(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// relevant reports whether event should trigger a reload. New directories
// inside a watched folder are added to the watch set instead.
func (w *PurgersWatcher) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if w.targetFile != "" {
		if name != w.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.report(fmt.Errorf("config: purgers file %s removed", w.targetFile))
		}
		return event.Op&reloadOps != 0
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedPurgersFile(name) && event.Op&reloadOps != 0
}

func (w *PurgersWatcher) reload(ctx context.Context) {
	bundle, err := buildPurgerBundle(ctx, w.inline, w.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.report(err)
		}
		return
	}
	w.onChange(bundle)
}

func (w *PurgersWatcher) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.fs.Close(); err != nil {
			w.report(fmt.Errorf("config: watch purgers close: %w", err))
		}
	}()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.reload(ctx)
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
