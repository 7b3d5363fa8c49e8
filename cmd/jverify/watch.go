package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Changes arriving within this window trigger a single re-run.
const watchDebounce = 200 * time.Millisecond

// watchPaths calls rerun after class files under paths change, until ctx
// is done. fsnotify is not recursive, so every directory is added and new
// directories are picked up as they appear.
func watchPaths(ctx context.Context, paths []string, rerun func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, p := range paths {
		if err := watchTree(w, p); err != nil {
			return err
		}
	}
	log.Noticef("watching %d paths for changes", len(w.WatchList()))

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(w, ev.Name); err != nil {
						log.Warningf("watch %s: %s", ev.Name, err)
					}
				}
			}
			if !strings.HasSuffix(ev.Name, ".class") || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			log.Debugf("change: %s", ev)
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}

		case <-fire:
			rerun()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warningf("watch: %s", err)
		}
	}
}

// watchTree adds p's directory tree, or the directory holding p when it is
// a file.
func watchTree(w *fsnotify.Watcher, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(filepath.Dir(p))
	}
	return filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
