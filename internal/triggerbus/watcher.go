package triggerbus

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher coalesces filesystem events on the pending directory into a
// wake channel so the orchestrator can sleep between triggers instead
// of polling.
type Watcher struct {
	fsw    *fsnotify.Watcher
	wake   chan struct{}
	logger *zap.Logger
}

// Watch starts observing the bus's pending directory. The returned
// watcher must be closed via ctx cancellation running out.
func (b *Bus) Watch(ctx context.Context) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(b.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", b.dir, err)
	}

	w := &Watcher{
		fsw:    fsw,
		wake:   make(chan struct{}, 1),
		logger: b.logger.Named("watcher"),
	}
	go w.run(ctx)
	return w, nil
}

// Wake delivers at least one signal after any burst of pending-dir
// activity. A slow consumer sees bursts collapsed into one signal.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

func (w *Watcher) run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()

	// Debounce rapid bursts (a hook writing several triggers at once).
	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(50 * time.Millisecond)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-debounce.C:
			pending = false
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}
