package history

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tabrelay/broker/log"
)

// Watcher debounces filesystem change notifications for one cwd's
// conversation directory, so a client's conversation list can be
// refreshed without polling. It watches the whole project directory,
// since the store indexes every session under it.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	updates  chan struct{}
}

// NewWatcher opens an fsnotify watch on cwd's sanitized directory
// under root, creating it first if absent (Claude CLI creates it lazily
// on first write, and watching a nonexistent path fails).
func NewWatcher(root, cwd string) (*Watcher, error) {
	dirPath := New(root).dir(cwd)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dirPath); err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		dir:      dirPath,
		watcher:  w,
		debounce: 100 * time.Millisecond,
		updates:  make(chan struct{}, 1),
	}, nil
}

// Start runs the debounced event loop until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	<-timer.C
	pending := false

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			pending = true
			timer.Reset(w.debounce)

		case <-timer.C:
			if pending {
				select {
				case w.updates <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("dir", w.dir).Msg("history: fsnotify error")

		case <-ctx.Done():
			return
		}
	}
}

// Updates fires (non-blocking, coalesced) whenever the watched
// directory's *.jsonl contents have settled after a write.
func (w *Watcher) Updates() <-chan struct{} { return w.updates }

// Close stops watching and releases the underlying fsnotify handle.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
