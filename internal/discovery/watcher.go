package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

// DefaultDebounce coalesces bursts of writes to auth.json into one re-discovery.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-runs full discovery whenever the primary auth.json changes.
type Watcher struct {
	loader   *Loader
	debounce time.Duration
	onChange func([]usage.ProviderConfig)
}

// NewWatcher creates a watcher that passes each fresh discovery result to onChange.
func NewWatcher(loader *Loader, debounce time.Duration, onChange func([]usage.ProviderConfig)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{loader: loader, debounce: debounce, onChange: onChange}
}

// Run watches the tracker directory until ctx is done.
// The directory is watched rather than the file so atomic replaces are seen.
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.loader.TrackerDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create tracker directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	log.WithField("path", w.loader.AuthPath()).Info("Watching provider configuration")

	target := filepath.Clean(w.loader.AuthPath())
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Config watcher error")

		case <-timer.C:
			configs := w.loader.LoadConfig()
			log.WithField("count", len(configs)).Info("Provider configuration changed, re-discovered")
			if w.onChange != nil {
				w.onChange(configs)
			}
		}
	}
}
