package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the index when anything under the skills directory
// changes. Change bursts are coalesced with a short settle delay.
type Watcher struct {
	index  *Index
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher wraps an index with a filesystem watcher.
func NewWatcher(index *Index, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{index: index, logger: logger}
}

// Start begins watching. A missing skills directory is tolerated; the
// watcher simply never fires until the directory appears on a later start.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new skills watcher: %w", err)
	}

	addDir := func(dir string) {
		if err := fsw.Add(dir); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("skills watcher: add failed", "dir", dir, "error", err)
		}
	}
	addDir(w.index.Dir())
	if entries, err := os.ReadDir(w.index.Dir()); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				addDir(filepath.Join(w.index.Dir(), ent.Name()))
			}
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer fsw.Close()

		var settle *time.Timer
		var settleC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						addDir(ev.Name)
					}
				}
				if settle == nil {
					settle = time.NewTimer(250 * time.Millisecond)
					settleC = settle.C
				} else {
					settle.Reset(250 * time.Millisecond)
				}
			case <-settleC:
				settle = nil
				settleC = nil
				if err := w.index.Reload(); err != nil {
					w.logger.Error("skills watcher: reload", "error", err)
				} else {
					w.logger.Info("skills index reloaded", "count", len(w.index.All()))
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("skills watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Stop cancels the watcher. Idempotent.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.wg.Wait()
}
