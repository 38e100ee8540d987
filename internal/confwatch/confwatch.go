// Package confwatch watches a configuration file and reapplies it on
// change. Watching happens at the directory level because most editors
// and config management tools replace files instead of writing in
// place, which would orphan a file-level watch.
package confwatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
	"pkt.systems/ticketd/internal/svcfields"
)

// debounce coalesces write bursts (editors fire several events per
// save) into one reload.
const debounce = 250 * time.Millisecond

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger supplies a logger.
func WithLogger(l pslog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// WithDebounce overrides the reload coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// Watcher reapplies a file through a callback whenever its content
// changes. Apply errors are logged and the previous content stays in
// effect.
type Watcher struct {
	path     string
	apply    func([]byte) error
	log      pslog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher
	last     []byte
}

// New sets up the watch. The file must exist and apply cleanly: a
// roster that cannot be applied at startup is a configuration error,
// not something to retry at runtime.
func New(path string, apply func([]byte) error, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		apply:    apply,
		log:      pslog.NoopLogger(),
		debounce: debounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = svcfields.WithSubsystem(w.log, "confwatch").With("path", path)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("confwatch: read %q: %w", path, err)
	}
	if err := apply(raw); err != nil {
		return nil, fmt.Errorf("confwatch: initial apply of %q: %w", path, err)
	}
	w.last = raw

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("confwatch: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("confwatch: watch %q: %w", dir, err)
	}
	w.fsw = fsw
	return w, nil
}

// Run blocks servicing events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)
}

func (w *Watcher) reload() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		// Likely mid-replace; the create/rename of the new file will
		// trigger another pass.
		w.log.Debug("skipping unreadable file", "error", err)
		return
	}
	if bytes.Equal(raw, w.last) {
		return
	}
	if err := w.apply(raw); err != nil {
		w.log.Warn("rejected changed config", "error", err)
		return
	}
	w.last = raw
	w.log.Info("config reloaded", "bytes", len(raw))
}
