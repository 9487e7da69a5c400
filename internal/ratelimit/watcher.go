package ratelimit

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/gymgate/internal/log"
	"github.com/keithlinneman/gymgate/internal/xerrors"
)

// PolicyWatcher reloads a PolicySet when its YAML file changes. It watches
// the parent directory so editors and config management that replace the
// file by rename are picked up too.
type PolicyWatcher struct {
	path     string
	set      *PolicySet
	debounce time.Duration
	logger   log.Logger

	// OnReload is called after every reload attempt with its result.
	OnReload func(err error)
}

func NewPolicyWatcher(path string, set *PolicySet, logger log.Logger) *PolicyWatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &PolicyWatcher{
		path:     filepath.Clean(path),
		set:      set,
		debounce: 250 * time.Millisecond,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. It returns an error only if the watch
// cannot be established.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return xerrors.Wrap(err, "create policy watcher")
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return xerrors.Wrapf(err, "watch %s", filepath.Dir(w.path))
	}
	w.logger.Info(ctx, "watching rate limit policy file", "path", w.path)

	// a single save often fires several events, coalesce them
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "policy watcher error", "error", err)
		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *PolicyWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	err := w.set.LoadFile(w.path)
	if err != nil {
		// keep serving the previous set
		w.logger.Error(ctx, err, "rate limit policy reload failed", "path", w.path)
	} else {
		w.logger.Info(ctx, "rate limit policies reloaded", "path", w.path, "policies", w.set.Names())
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
