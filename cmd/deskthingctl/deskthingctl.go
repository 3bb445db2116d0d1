package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/ipc"
	"github.com/deskthing/deskthingd/internal/logstore"
	"github.com/deskthing/deskthingd/internal/notification"
	"github.com/deskthing/deskthingd/internal/release"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = util.GetLogger("deskthingctl")
var ctl *client

var logLevel string
var daemonAddr string
var forceRefresh bool
var assumeYes bool

func main() {
	app := &cli.App{
		Name:  "deskthingctl",
		Usage: "Control a running DeskThing daemon",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "log",
			Value:       "warn",
			Usage:       "Log level: debug, info, warn, error",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "addr",
			Value:       "127.0.0.1:8891",
			Usage:       "Address of the daemon bridge",
			EnvVars:     []string{"DESKTHING_LISTEN"},
			Destination: &daemonAddr,
		},
	}

	app.Before = func(c *cli.Context) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		util.SetLogLevel(level)
		ctl = newClient(daemonAddr)
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:  "ping",
			Usage: "Check that the daemon is running",
			Action: func(c *cli.Context) error {
				var res string
				if err := ctl.invoke(ipc.KindUtility, "ping", "", nil, &res); err != nil {
					return err
				}
				fmt.Println(res)
				return nil
			},
		},
		cmdUpdate,
		cmdFlash,
		{
			Name:  "releases",
			Usage: "List the client and app releases",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:        "force",
					Usage:       "Refresh the release cache before listing",
					Destination: &forceRefresh,
				},
			},
			Action: func(c *cli.Context) error {
				return listReleases(forceRefresh)
			},
		},
		{
			Name:  "notifications",
			Usage: "List the pending notifications",
			Action: func(c *cli.Context) error {
				return listNotifications()
			},
		},
		{
			Name:  "logs",
			Usage: "Print the logs kept by the daemon",
			Action: func(c *cli.Context) error {
				return printLogs()
			},
		},
		{
			Name:      "watch",
			ArgsUsage: "<channel...>",
			Usage:     "Print the events published on the provided channels, all channels when none is given",
			Action: func(c *cli.Context) error {
				channels := []events.Channel{}
				for _, arg := range c.Args().Slice() {
					channels = append(channels, events.Channel(arg))
				}
				return watch(channels)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func listReleases(force bool) error {
	if force {
		if err := ctl.invoke(ipc.KindRelease, "refresh", "", map[string]bool{"force": true}, nil); err != nil {
			return err
		}
	}

	w := new(tabwriter.Writer)
	w.Init(os.Stdout, 8, 8, 0, '\t', 0)
	defer w.Flush()
	fmt.Fprintf(w, " %s\t%s\t%s\t%s\t%s\t", "Kind", "Repository", "Latest", "Assets", "Fetched")
	fmt.Fprintf(w, "\n %s\t%s\t%s\t%s\t%s\t", "----", "----------", "------", "------", "-------")
	for _, kind := range []string{"client", "app"} {
		var repos []release.RepoReleases
		if err := ctl.invoke(ipc.KindRelease, kind, "", nil, &repos); err != nil {
			return err
		}
		for _, repo := range repos {
			latest, assets := "-", 0
			if len(repo.Releases) > 0 {
				latest = repo.Releases[0].Version
				assets = len(repo.Releases[0].Assets)
			}
			fetched := "never"
			if !repo.FetchedAt.IsZero() {
				fetched = humanize.Time(repo.FetchedAt)
			}
			if repo.Error != "" {
				fetched += " (" + repo.Error + ")"
			}
			fmt.Fprintf(w, "\n %s\t%s\t%s\t%d\t%s\t", kind, repo.Repo, latest, assets, fetched)
		}
	}
	fmt.Fprint(w, "\n")
	return nil
}

func listNotifications() error {
	var list []notification.Notification
	if err := ctl.invoke(ipc.KindNotification, "list", "", nil, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No notifications")
		return nil
	}
	w := new(tabwriter.Writer)
	w.Init(os.Stdout, 8, 8, 0, '\t', 0)
	defer w.Flush()
	fmt.Fprintf(w, " %s\t%s\t%s\t%s\t", "ID", "Type", "Title", "Description")
	fmt.Fprintf(w, "\n %s\t%s\t%s\t%s\t", "--", "----", "-----", "-----------")
	for _, n := range list {
		fmt.Fprintf(w, "\n %s\t%s\t%s\t%s\t", n.ID, n.Type, n.Title, n.Description)
	}
	fmt.Fprint(w, "\n")
	return nil
}

func printLogs() error {
	var entries []logstore.Entry
	if err := ctl.invoke(ipc.KindUtility, "logs", "", nil, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s: %s\n", e.Time.Format("15:04:05"), strings.ToUpper(e.Level), e.Context, e.Message)
	}
	return nil
}

func watch(channels []events.Channel) error {
	evts, stop, err := ctl.watch(channels...)
	if err != nil {
		return err
	}
	defer stop()
	enc := json.NewEncoder(os.Stdout)
	for evt := range evts {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}
