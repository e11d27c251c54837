package indexer

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// defaultDebounce batches bursts of file events into one rebuild.
const defaultDebounce = 2 * time.Second

// Watcher triggers rebuilds when files under the knowledge directories
// change.
type Watcher struct {
	ix       *Indexer
	fs       *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher registers the indexer's knowledge directories with fsnotify.
// Directories that cannot be watched are logged and skipped.
func NewWatcher(ix *Indexer) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range ix.cfg.KnowledgeDirs {
		if err := fs.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch directory")
		}
	}
	return &Watcher{ix: ix, fs: fs, debounce: defaultDebounce}, nil
}

// Run blocks until ctx is done, rebuilding after quiet periods that follow
// relevant events. Rebuild failures are logged; the watch continues.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).
				Msg("Source change detected")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-fire:
			timer = nil
			fire = nil
			if _, err := w.ix.Rebuild(ctx); err != nil {
				log.Error().Err(err).Msg("Watch-triggered rebuild failed")
			}
		}
	}
}

// relevant filters to write-class events on files with an indexed extension.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	exts := w.ix.cfg.Extensions
	if len(exts) == 0 {
		exts = []string{".md"}
	}
	lower := strings.ToLower(event.Name)
	for _, ext := range exts {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
