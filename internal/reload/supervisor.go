// Package reload watches the proxy's mounted configuration and TLS material.
//
// On change the Supervisor rebuilds the TLS store from the current
// configuration, installs it, and asks the process to terminate so the
// platform restarts it with a fresh routing table.
package reload

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/lexfrei/pingress/internal/metrics"
	"github.com/lexfrei/pingress/internal/routeconfig"
	"github.com/lexfrei/pingress/internal/tlsstore"
)

// DefaultDebounce coalesces the burst of events produced by one volume update.
const DefaultDebounce = 250 * time.Millisecond

// Secret and config map volumes swap their ..data symlink with a create and a
// rename; permission and atime changes alone never alter content.
const relevantOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

func relevant(event fsnotify.Event) bool {
	return event.Op&relevantOps != 0
}

// Terminator asks the hosting process to shut down gracefully.
type Terminator func() error

// SignalSelf delivers SIGTERM to the current process.
func SignalSelf() error {
	err := unix.Kill(os.Getpid(), unix.SIGTERM)
	if err != nil {
		return errors.Wrap(err, "failed to signal own process")
	}

	return nil
}

// Config holds Supervisor settings.
type Config struct {
	// ConfigPath is the routing configuration file.
	ConfigPath string

	// Roots are watched recursively. Defaults to the directory of ConfigPath.
	Roots []string

	Store      *tlsstore.Store
	Metrics    metrics.Collector
	Terminator Terminator
	Debounce   time.Duration
}

// Supervisor reloads the TLS store when watched files change.
type Supervisor struct {
	configPath string
	roots      []string
	store      *tlsstore.Store
	metrics    metrics.Collector
	terminate  Terminator
	debounce   time.Duration
	logger     *slog.Logger
}

// New creates a Supervisor. Store is required.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, errors.New("tls store is required")
	}

	if cfg.ConfigPath == "" {
		return nil, errors.New("config path is required")
	}

	supervisor := &Supervisor{
		configPath: cfg.ConfigPath,
		roots:      cfg.Roots,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		terminate:  cfg.Terminator,
		debounce:   cfg.Debounce,
		logger:     slog.Default().With("component", "reload-supervisor"),
	}

	if len(supervisor.roots) == 0 {
		supervisor.roots = []string{filepath.Dir(cfg.ConfigPath)}
	}

	if supervisor.metrics == nil {
		supervisor.metrics = metrics.NewNoopCollector()
	}

	if supervisor.terminate == nil {
		supervisor.terminate = SignalSelf
	}

	if supervisor.debounce <= 0 {
		supervisor.debounce = DefaultDebounce
	}

	return supervisor, nil
}

// Run watches until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer watcher.Close()

	for _, root := range s.roots {
		addErr := s.addTree(watcher, root)
		if addErr != nil {
			return addErr
		}
	}

	s.logger.Info("watching for changes", "roots", s.roots, "config", s.configPath)

	// Stopped timer; armed on the first relevant event of a burst.
	timer := time.NewTimer(s.debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}

			if !relevant(event) {
				continue
			}

			if event.Has(fsnotify.Create) {
				s.addIfDir(watcher, event.Name)
			}

			s.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
			timer.Reset(s.debounce)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}

			s.logger.Error("watcher error", "error", watchErr)
		case <-timer.C:
			s.handleChange(ctx)
		}
	}
}

func (s *Supervisor) handleChange(ctx context.Context) {
	err := s.Reload(ctx)
	if err != nil {
		s.logger.Error("reload failed, keeping previous certificates", "error", err)

		return
	}

	s.logger.Info("certificates reloaded, requesting restart",
		"hosts", s.store.Snapshot().Len())

	termErr := s.terminate()
	if termErr != nil {
		s.logger.Error("failed to request restart", "error", termErr)
	}
}

// Reload rebuilds the TLS store from the configuration file and installs it.
// On failure the current store is left untouched.
func (s *Supervisor) Reload(ctx context.Context) error {
	cfg, err := routeconfig.Load(s.configPath)
	if err != nil {
		s.metrics.RecordTLSReload(ctx, metrics.StatusError)

		return errors.Wrap(err, "failed to load configuration")
	}

	snapshot, err := tlsstore.Build(cfg)
	if err != nil {
		s.metrics.RecordTLSReload(ctx, metrics.StatusError)

		return errors.Wrap(err, "failed to build tls store")
	}

	s.store.Install(snapshot)
	s.metrics.RecordTLSReload(ctx, metrics.StatusSuccess)
	s.metrics.RecordTLSStoreHosts(ctx, snapshot.Len())

	return nil
}

// addTree adds root and every directory below it; fsnotify is not recursive.
func (s *Supervisor) addTree(watcher *fsnotify.Watcher, root string) error {
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !entry.IsDir() {
			return nil
		}

		return watcher.Add(path)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to watch %s", root)
	}

	return nil
}

func (s *Supervisor) addIfDir(watcher *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	err = s.addTree(watcher, path)
	if err != nil {
		s.logger.Warn("failed to watch new directory", "path", path, "error", err)
	}
}
