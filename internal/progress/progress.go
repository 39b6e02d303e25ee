// Package progress reports frame capture progress while the replay stage runs.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

// Watcher counts frame files as they are created in a directory.
type Watcher struct {
	dir        string
	every      int
	onProgress func(frames int)

	fsw     *fsnotify.Watcher
	created atomic.Int64
	wg      sync.WaitGroup
	stop    sync.Once
}

// Start watches dir, creating it if needed, and calls onProgress every
// `every` new frames. The watch ends when ctx is done or Stop is called.
func Start(ctx context.Context, dir string, every int, onProgress func(frames int)) (*Watcher, error) {
	if every <= 0 {
		every = types.ProgressEvery
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, util.WrapError("create frame directory", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	w := &Watcher{
		dir:        dir,
		every:      every,
		onProgress: onProgress,
		fsw:        fsw,
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) || !isFrame(event.Name) {
				continue
			}
			n := int(w.created.Add(1))
			if n%w.every == 0 {
				slog.Info("frames captured", "frames", n, "dir", w.dir)
				if w.onProgress != nil {
					w.onProgress(n)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("fsnotify watcher error", "dir", w.dir, "error", err)
		}
	}
}

func isFrame(name string) bool {
	ok, err := filepath.Match(types.FrameGlob, filepath.Base(name))
	return err == nil && ok
}

// Created returns the number of frames created since Start.
func (w *Watcher) Created() int {
	return int(w.created.Load())
}

// Stop ends the watch and returns the number of frames in the directory.
func (w *Watcher) Stop() int {
	w.stop.Do(func() {
		if err := w.fsw.Close(); err != nil {
			slog.Warn("failed to close frame watcher", "dir", w.dir, "error", err)
		}
		w.wg.Wait()
	})
	n, err := util.CountMatches(w.dir, types.FrameGlob)
	if err != nil {
		slog.Warn("failed to count frames", "dir", w.dir, "error", err)
		return w.Created()
	}
	return n
}
