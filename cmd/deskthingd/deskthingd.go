package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/deskthing/deskthingd/internal/config"
	"github.com/deskthing/deskthingd/internal/daemon"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/Masterminds/semver"
	"github.com/getlantern/systray"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = util.GetLogger("deskthingd")
var version *semver.Version

var configFile string
var logLevel string
var dataPath string
var listenAddr string
var withTray bool

func main() {
	var err error
	version, err = semver.NewVersion("0.11.0-dev.1")
	if err != nil {
		panic(err)
	}

	app := &cli.App{
		Name:    "deskthingd",
		Usage:   "DeskThing companion daemon",
		Version: version.String(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Value:       "",
			Usage:       "Specify a config file",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log",
			Value:       "",
			Usage:       "Log level: trace, debug, info, warn, error. Overrides the config file",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Path where DeskThing data is stored. Overrides the config file",
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "listen",
			Usage:       "Address the bridge listens on. Overrides the config file",
			Destination: &listenAddr,
		},
		&cli.BoolFlag{
			Name:        "tray",
			Usage:       "Show a tray icon",
			Destination: &withTray,
		},
	}

	app.Action = func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := daemon.New(cfg, version.String())
		if err != nil {
			return err
		}

		if withTray {
			systray.Run(func() { onReady(d) }, onExit)
			return nil
		}
		return run(d, nil)
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if dataPath != "" {
		cfg.DataDir = dataPath
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	util.SetLogLevel(level)
	return cfg, nil
}

// run serves until an OS signal, a tray quit or a shutdown request
func run(d *daemon.Daemon, traySig <-chan struct{}) error {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(osSigs)
	go handleQuitSignals(d, osSigs, traySig)

	log.Infof("Starting DeskThing daemon %s", version.String())
	runErr := d.Run(context.Background())
	if err := d.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func handleQuitSignals(d *daemon.Daemon, osSigs chan os.Signal, traySig <-chan struct{}) {
	select {
	case osSig := <-osSigs:
		log.Infof("Received OS signal %s. Terminating", osSig.String())
	case <-traySig:
		log.Info("Received tray quit signal. Terminating")
	}
	d.Shutdown()
}
