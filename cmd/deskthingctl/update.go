package main

import (
	"encoding/json"
	"fmt"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/ipc"
	"github.com/deskthing/deskthingd/internal/update"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var cmdUpdate *cli.Command = &cli.Command{
	Name:  "update",
	Usage: "Manage updates of DeskThing",
	Subcommands: []*cli.Command{
		{
			Name:  "check",
			Usage: "Check for a newer release",
			Action: func(c *cli.Context) error {
				var version string
				if err := ctl.invoke(ipc.KindUpdate, "check", "", nil, &version); err != nil {
					return err
				}
				if version == "" {
					fmt.Println("DeskThing is up to date")
					return nil
				}
				fmt.Printf("Update %s is available\n", version)
				return nil
			},
		},
		{
			Name:  "download",
			Usage: "Download the available update",
			Action: func(c *cli.Context) error {
				return downloadUpdate()
			},
		},
		{
			Name:  "install",
			Usage: "Install the downloaded update. The daemon exits",
			Action: func(c *cli.Context) error {
				return ctl.invoke(ipc.KindUpdate, "install", "", nil, nil)
			},
		},
		{
			Name:  "status",
			Usage: "Show the state of the update store",
			Action: func(c *cli.Context) error {
				var status update.Status
				if err := ctl.invoke(ipc.KindUpdate, "status", "", nil, &status); err != nil {
					return err
				}
				printStatus(status)
				return nil
			},
		},
	},
}

func printStatus(status update.Status) {
	fmt.Printf("State:   %s\n", status.State)
	if status.Version != "" {
		fmt.Printf("Version: %s", status.Version)
		if !status.ReleaseDate.IsZero() {
			fmt.Printf(" (released %s)", humanize.Time(status.ReleaseDate))
		}
		fmt.Println()
	}
	if status.Error != "" {
		fmt.Printf("Error:   %s\n", status.Error)
	}
}

// downloadUpdate starts the download and renders its progress until the store is ready to install or fails
func downloadUpdate() error {
	evts, stop, err := ctl.watch(events.UpdateProgress, events.UpdateStatus)
	if err != nil {
		return err
	}
	defer stop()

	if err := ctl.invoke(ipc.KindUpdate, "download", "", nil, nil); err != nil {
		return err
	}

	bar := pb.Full.Start64(0)
	bar.Set(pb.Bytes, true)
	defer bar.Finish()
	for evt := range evts {
		switch evt.Channel {
		case events.UpdateProgress:
			var p update.Progress
			if err := json.Unmarshal(evt.Payload, &p); err != nil {
				continue
			}
			if p.Total > 0 {
				bar.SetTotal(p.Total)
			}
			bar.SetCurrent(p.Transferred)
		case events.UpdateStatus:
			var status update.Status
			if err := json.Unmarshal(evt.Payload, &status); err != nil {
				continue
			}
			switch status.State {
			case update.ReadyToInstall:
				bar.SetCurrent(bar.Total())
				bar.Finish()
				fmt.Printf("Update %s downloaded, run 'deskthingctl update install' to install it\n", status.Version)
				return nil
			case update.Error, update.UpdateAvailable:
				if status.Error != "" {
					return errors.Errorf("Download failed: %s", status.Error)
				}
			}
		}
	}
	return errors.New("Event stream closed before the download finished")
}
