package desired

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/imyashkale/mcporchestrator/internal/logger"
)

// Watcher calls OnChange when the compose file is written, created or
// replaced. The parent directory is watched so editors that swap files
// atomically are still seen.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
}

// NewWatcher creates a watcher for path. Bursts of events within debounce
// produce a single OnChange call.
func NewWatcher(path string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
	}
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", w.path, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	log := logger.ForComponent("desired-watcher").WithField("path", abs)
	log.Info("Watching desired-state file for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.WithField("event", event.Op.String()).Debug("Desired-state file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			log.Info("Desired-state file changed, requesting sync")
			w.onChange()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithField(logger.FieldError, err.Error()).Warn("File watcher error")
		}
	}
}
