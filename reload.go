package contentgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

// fileDebounce collapses the burst of events an atomic rename produces.
const fileDebounce = 100 * time.Millisecond

// Watcher is a running reload trigger. Call Cancel to stop it.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the watcher and waits for it to exit.
func (w *Watcher) Cancel() {
	w.cancel()
	<-w.done
}

// WatchSIGHUP forces a policy reload on every SIGHUP.
func WatchSIGHUP(store *PolicyStore, logger *slog.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading policy")
				snap := store.Reload(ctx)
				logger.Info("policy reload finished", "source", snap.Source, "generation", snap.Generation)
			}
		}
	}()

	return &Watcher{cancel: cancel, done: done}
}

// WatchFile forces a policy reload when the settings document at path is
// written or replaced. Changes that leave the document equal to the live
// policy are ignored, which includes the store's own write-through saves.
func WatchFile(store *PolicyStore, path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// The directory is watched so atomic renames over path are seen.
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	local := NewLocalFileSource(abs)

	go func() {
		defer close(done)
		defer func() { _ = fw.Close() }()

		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(fileDebounce, func() {
					reloadOnChange(ctx, store, local, logger)
				})

			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warn("cache file watcher error", "path", abs, "error", err)
			}
		}
	}()

	return &Watcher{cancel: cancel, done: done}, nil
}

func reloadOnChange(ctx context.Context, store *PolicyStore, local *LocalFileSource, logger *slog.Logger) {
	if ctx.Err() != nil {
		return
	}
	p, err := local.Load(ctx)
	if err != nil {
		logger.Warn("cache file changed but is unreadable", "source", SourceLocal, "path", local.Path, "error", err)
		return
	}
	if p.Equal(store.Current().Policy) {
		return
	}
	logger.Info("cache file changed, reloading policy", "path", local.Path)
	store.Reload(ctx)
}
