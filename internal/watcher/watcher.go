// Package watcher observes the signature database file and triggers a
// snapshot hot-swap when the updater replaces it.
//
// The watch is installed on the parent directory: updaters write a
// temp file and rename it into place, which would drop a watch on the
// file itself. Events are debounced with a quiet period so a writer
// that touches the file several times triggers one reload.
//
// On reload success the verdict cache is cleared (verdicts are relative
// to a snapshot). On failure the prior snapshot stays published and the
// daemon keeps serving.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/simbiota/simbiota/internal/cache"
	"github.com/simbiota/simbiota/internal/database"
	"github.com/simbiota/simbiota/internal/observability"
)

// DefaultQuietPeriod is the debounce window for database events.
const DefaultQuietPeriod = 500 * time.Millisecond

// Watcher triggers database hot-swaps.
type Watcher struct {
	path    string
	quiet   time.Duration
	store   *database.Store
	cache   *cache.Cache
	metrics *observability.Metrics
	log     *zap.Logger
}

// New creates a watcher for the database file at path.
func New(path string, store *database.Store, c *cache.Cache, metrics *observability.Metrics, log *zap.Logger) *Watcher {
	return &Watcher{
		path:    path,
		quiet:   DefaultQuietPeriod,
		store:   store,
		cache:   c,
		metrics: metrics,
		log:     log,
	}
}

// Run blocks until ctx is cancelled or the watch fails fatally.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watcher: add %q: %w", dir, err)
	}

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.quiet)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.quiet)
			}
			fire = debounce.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("database watch error", zap.Error(err))

		case <-fire:
			fire = nil
			w.swap()
		}
	}
}

// swap reloads the database and publishes the result.
func (w *Watcher) swap() {
	snap, err := w.store.Reload()
	if err != nil {
		// Keep serving with the prior snapshot.
		w.metrics.DatabaseSwapsTotal.WithLabelValues("error").Inc()
		w.log.Error("database reload failed, retaining prior snapshot",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	// Verdicts cached against the old snapshot are void.
	w.cache.Clear()

	w.metrics.DatabaseSwapsTotal.WithLabelValues("ok").Inc()
	w.metrics.DatabaseSignatures.Set(float64(len(snap.Signatures)))
	w.metrics.CacheEntries.Set(0)
	w.log.Info("signature database swapped",
		zap.String("path", w.path),
		zap.Int("signatures", len(snap.Signatures)))
}
