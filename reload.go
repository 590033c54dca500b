package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/psyho/psyho/pkg/config"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

// serveWithReload runs the server for s and restarts it with freshly loaded
// settings whenever configFile changes. A change that fails to load keeps
// the running server.
func serveWithReload(ctx context.Context, configFile string, s *config.Settings, load func() (*config.Settings, error), opts ServerOptions, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	configFile, err = filepath.Abs(configFile)
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file by rename.
	if err := watcher.Add(filepath.Dir(configFile)); err != nil {
		log.Warn("Config reload disabled", "file", configFile, "error", err)
		return serve(ctx, s, opts, log)
	}

	reload := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watchConfig(gctx, watcher, configFile, reload, log)
	})
	g.Go(func() error {
		defer watcher.Close()
		for {
			next, err := serveUntilReload(gctx, s, load, opts, reload, log)
			if err != nil || next == nil {
				return err
			}
			s = next
		}
	})
	return g.Wait()
}

// serveUntilReload runs one server generation. It returns the settings for
// the next generation, or nil once ctx is done.
func serveUntilReload(ctx context.Context, s *config.Settings, load func() (*config.Settings, error), opts ServerOptions, reload <-chan struct{}, log *slog.Logger) (*config.Settings, error) {
	server, err := NewServer(s, opts, log)
	if err != nil {
		return nil, err
	}
	defer server.Close()

	// Bind before serving so a taken port fails this generation at once.
	ln, err := server.Listen()
	if err != nil {
		return nil, err
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Serve(srvCtx, ln)
	}()

	for {
		select {
		case err := <-errChan:
			return nil, err
		case <-ctx.Done():
			return nil, <-errChan
		case <-reload:
			next, err := load()
			if err != nil {
				log.Error("Config reload failed, keeping the running server", "error", err)
				continue
			}
			log.Info("Config changed, restarting server")
			cancel()
			if err := <-errChan; err != nil {
				return nil, err
			}
			return next, nil
		}
	}
}

// watchConfig signals reload after configFile is written, created or
// renamed into place.
func watchConfig(ctx context.Context, w *fsnotify.Watcher, configFile string, reload chan<- struct{}, log *slog.Logger) error {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != configFile {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				log.Debug("Config file event", "file", ev.Name, "op", ev.Op.String())
				pending = time.After(reloadDebounce)
			}
		case <-pending:
			pending = nil
			select {
			case reload <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("Config watcher error", "error", err)
		}
	}
}
