package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/flash"
	"github.com/deskthing/deskthingd/internal/ipc"

	"github.com/AlecAivazis/survey/v2"
	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const flashBarTemplate = `{{string . "step"}} {{bar . }} {{percent . }} {{etime . }}`

var cmdFlash *cli.Command = &cli.Command{
	Name:      "flash",
	ArgsUsage: "<image path>",
	Usage:     "Flash an image on the connected device",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:        "yes",
			Usage:       "Do not ask for confirmation",
			Destination: &assumeYes,
		},
	},
	Action: func(c *cli.Context) error {
		image := c.Args().Get(0)
		if image == "" {
			return cli.ShowSubcommandHelp(c)
		}
		return flashImage(image, assumeYes)
	},
	Subcommands: []*cli.Command{
		{
			Name:  "cancel",
			Usage: "Cancel the running flash. It stops before the next step",
			Action: func(c *cli.Context) error {
				return ctl.invoke(ipc.KindFlash, "cancel", "", nil, nil)
			},
		},
		{
			Name:  "state",
			Usage: "Show the state of the flash store",
			Action: func(c *cli.Context) error {
				var state flash.FlashState
				if err := ctl.invoke(ipc.KindFlash, "state", "", nil, &state); err != nil {
					return err
				}
				fmt.Printf("State: %s (step %d/%d %s)\n", state.State, state.Step, state.StepTotal, state.StepTitle)
				if state.ErrorText != "" {
					fmt.Printf("Error: %s\n", state.ErrorText)
				}
				return nil
			},
		},
	},
}

func flashImage(image string, yes bool) error {
	path, err := filepath.Abs(image)
	if err != nil {
		return errors.Wrapf(err, "Invalid image path '%s'", image)
	}
	var steps int
	if err := ctl.invoke(ipc.KindFlash, "steps", "", map[string]string{"path": path}, &steps); err != nil {
		return err
	}

	if !yes {
		confirmed := false
		prompt := &survey.Confirm{Message: fmt.Sprintf("Flash %s (%d steps) on the connected device?", filepath.Base(path), steps)}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Flash aborted")
			return nil
		}
	}

	evts, stop, err := ctl.watch(events.FlashState, events.FlashCompleted, events.FlashStopped)
	if err != nil {
		return err
	}
	defer stop()
	if err := ctl.invoke(ipc.KindFlash, "start", "", map[string]string{"path": path}, nil); err != nil {
		return err
	}

	bar := pb.ProgressBarTemplate(flashBarTemplate).Start(100)
	defer bar.Finish()
	var last flash.FlashState
	completed := false
	for evt := range evts {
		switch evt.Channel {
		case events.FlashState:
			if err := json.Unmarshal(evt.Payload, &last); err != nil {
				continue
			}
			bar.Set("step", fmt.Sprintf("[%d/%d] %s", last.Step, last.StepTotal, last.StepTitle))
			bar.SetCurrent(int64(last.Progress.Percent))
		case events.FlashCompleted:
			if err := json.Unmarshal(evt.Payload, &completed); err != nil {
				continue
			}
		case events.FlashStopped:
			bar.Finish()
			if completed {
				fmt.Println("Flash completed")
				return nil
			}
			if last.State == flash.StateCancelled {
				fmt.Println("Flash cancelled")
				return nil
			}
			return errors.Errorf("Flash failed: %s", last.ErrorText)
		}
	}
	return errors.New("Event stream closed before the flash finished")
}
