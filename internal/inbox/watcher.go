package inbox

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDefault = 200 * time.Millisecond

// Watcher signals when task files arrive in Dir. A burst of events within
// Debounce produces a single notification.
type Watcher struct {
	Dir      string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Run blocks until ctx is cancelled. notify is called from the Run
// goroutine and must not block for long.
func (w Watcher) Run(ctx context.Context, notify func()) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = debounceDefault
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(w.Dir); err != nil {
		return err
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if pending {
				pending = false
				notify()
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isTaskFile(filepath.Base(event.Name)) {
				continue
			}
			pending = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("inbox watcher error", "dir", w.Dir, "err", err)
		}
	}
}
