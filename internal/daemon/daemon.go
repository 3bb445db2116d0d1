// Package daemon builds every store of the process and serves them over the renderer bridge
package daemon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/api"
	"github.com/deskthing/deskthingd/internal/config"
	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/flash"
	"github.com/deskthing/deskthingd/internal/ipc"
	"github.com/deskthing/deskthingd/internal/logstore"
	"github.com/deskthing/deskthingd/internal/notification"
	"github.com/deskthing/deskthingd/internal/plugin"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/registry"
	"github.com/deskthing/deskthingd/internal/release"
	"github.com/deskthing/deskthingd/internal/settings"
	"github.com/deskthing/deskthingd/internal/stats"
	"github.com/deskthing/deskthingd/internal/task"
	"github.com/deskthing/deskthingd/internal/update"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = util.GetLogger("daemon")

const stopTimeout = 10 * time.Second

// Daemon owns the event bus, the store registry and the bridge
type Daemon struct {
	cfg      *config.Config
	version  string
	bus      *events.Bus
	progress *progress.Bus
	registry *registry.Registry
	logs     *logstore.Store
	ipc      *ipc.Dispatcher
	api      *api.Server

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates the daemon. Stores are registered here and created on first use
func New(cfg *config.Config, version string) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "Failed to create data directory '%s'", cfg.DataDir)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "Invalid log level")
	}

	bus := events.NewBus()
	d := &Daemon{
		cfg:      cfg,
		version:  version,
		bus:      bus,
		progress: progress.NewBus(bus),
		registry: registry.New(bus),
		logs:     logstore.New(bus, cfg.LogBufferSize, level),
		quit:     make(chan struct{}),
	}
	util.AddLogHook(d.logs)
	d.registerStores()

	d.ipc, err = ipc.New(ipc.Deps{Registry: d.registry, Shutdown: d.Shutdown, PluginDir: cfg.PluginsDir()})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to build the dispatch table")
	}
	d.api = api.New(api.Config{ListenAddr: cfg.ListenAddr, MetricsEnabled: cfg.MetricsEnabled}, d.ipc, bus)
	return d, nil
}

func (d *Daemon) registerStores() {
	cfg := d.cfg
	github := release.NewGithubClient(cfg.GithubToken)

	d.registry.Register(logstore.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		return d.logs, nil
	})
	d.registry.Register(task.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		return task.CreateManager(d.bus), nil
	})
	d.registry.Register(settings.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		s := settings.New(d.bus, cfg.SettingsPath())
		return s, s.Load(ctx)
	})
	d.registry.Register(notification.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		return notification.New(d.bus), nil
	})
	d.registry.Register(release.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		clientRepos, appRepos := cfg.ClientReleaseRepos, cfg.AppReleaseRepos
		if s, err := registry.Lookup[*settings.Store](ctx, r, settings.Name); err == nil {
			current := s.Get()
			clientRepos = append(append([]string{}, clientRepos...), current.ClientRepos...)
			appRepos = append(append([]string{}, appRepos...), current.AppRepos...)
		} else {
			log.Warnf("Using configured release repositories only: %s", err.Error())
		}
		s := release.NewStore(github, d.bus, d.progress, cfg.ReleasesPath(), cfg.ReleaseTTL, clientRepos, appRepos)
		return s, s.Load()
	})
	d.registry.Register(update.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		tm, err := registry.Lookup[*task.Manager](ctx, r, task.Name)
		if err != nil {
			return nil, err
		}
		ucfg := update.Config{
			Owner:          cfg.UpdateOwner,
			Repo:           cfg.UpdateRepo,
			CurrentVersion: d.version,
			Dir:            cfg.UpdatesDir(),
			AssetFilter:    update.PlatformAsset,
		}
		return update.New(ucfg, github, d.bus, d.progress, tm, update.ExecInstaller{}, d.Shutdown), nil
	})
	d.registry.Register(flash.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		tm, err := registry.Lookup[*task.Manager](ctx, r, task.Name)
		if err != nil {
			return nil, err
		}
		runner := flash.ExecRunner{Tool: cfg.FlashTool, Args: cfg.FlashToolArgs}
		return flash.New(runner, d.bus, d.progress, tm, cfg.FlashMarkerPath()), nil
	})
	d.registry.Register(stats.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		s := stats.New(stats.Config{
			Endpoint:      cfg.StatsEndpoint,
			ClientID:      cfg.StatsClientID,
			FlushInterval: cfg.StatsFlushInterval,
			Version:       d.version,
			DataDir:       cfg.DataDir,
		})
		s.Start()
		return s, nil
	})
	d.registry.Register(plugin.Name, func(ctx context.Context, r *registry.Registry) (registry.Store, error) {
		s := plugin.New(d.bus, d.progress, cfg.PluginsPath())
		return s, s.Load()
	})
}

// Bus returns the event bus of the daemon
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

// Dispatch serves a request envelope, the same way the bridge does
func (d *Daemon) Dispatch(ctx context.Context, env ipc.Envelope) (interface{}, error) {
	return d.ipc.Dispatch(ctx, env)
}

// Shutdown asks a running daemon to stop. Safe to call multiple times and from any goroutine
func (d *Daemon) Shutdown() {
	d.quitOnce.Do(func() {
		log.Info("Shutdown requested")
		close(d.quit)
	})
}

// Run starts the background work of the stores and serves the bridge until the context is cancelled or
// a shutdown is requested
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	settingsStore, err := registry.Lookup[*settings.Store](ctx, d.registry, settings.Name)
	if err != nil {
		return errors.Wrap(err, "Failed to load settings")
	}
	util.Go("settings-watcher", func() {
		if err := settingsStore.Watch(ctx); err != nil {
			log.Warnf("Settings file will not be watched: %s", err.Error())
		}
	})

	statsStore, err := registry.Lookup[*stats.Store](ctx, d.registry, stats.Name)
	if err != nil {
		return errors.Wrap(err, "Failed to create the stats store")
	}
	collector := stats.NewCollector(statsStore, d.bus)
	collector.Start()
	defer collector.Stop()

	notifications, err := registry.Lookup[*notification.Store](ctx, d.registry, notification.Name)
	if err != nil {
		return errors.Wrap(err, "Failed to create the notification store")
	}
	if err := notifications.CheckForNotifications(ctx, settingsStore); err != nil {
		log.Warn(err.Error())
	}

	if _, err := os.Stat(d.cfg.PluginsDir()); err == nil {
		util.Go("plugin-scan", func() {
			if _, err := d.Dispatch(ctx, ipc.Envelope{Kind: ipc.KindPlugin, Type: "scan"}); err != nil {
				log.Warnf("Plugin scan failed: %s", err.Error())
			}
		})
	}

	log.Infof("DeskThing daemon %s running", d.version)
	return d.api.Run(ctx)
}

// Stop persists every store and releases their resources
func (d *Daemon) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	d.bus.Publish(events.Shutdown, nil)
	d.api.Close()
	var firstErr error
	if err := d.registry.SaveAllToFile(ctx); err != nil {
		firstErr = err
		log.Error(err.Error())
	}
	if err := d.registry.Close(); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		log.Error(err.Error())
	}
	log.Info("Terminating...")
	return firstErr
}
