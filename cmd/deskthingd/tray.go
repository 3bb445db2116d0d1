package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	"github.com/deskthing/deskthingd/internal/daemon"
	"github.com/deskthing/deskthingd/internal/ipc"

	"github.com/getlantern/systray"
)

func onReady(d *daemon.Daemon) {
	systray.SetTemplateIcon(trayIcon(), trayIcon())
	systray.SetTooltip("DeskThing")
	mUpdate := systray.AddMenuItem("Check for updates", "Check for a newer DeskThing release")
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit")

	go func() {
		for range mUpdate.ClickedCh {
			res, err := d.Dispatch(context.Background(), ipc.Envelope{Kind: ipc.KindUpdate, Type: "check"})
			if err != nil {
				log.Errorf("Update check failed: %s", err.Error())
				continue
			}
			if version, _ := res.(string); version != "" {
				mUpdate.SetTitle("Update available: " + version)
			}
		}
	}()

	go func() {
		if err := run(d, mQuit.ClickedCh); err != nil {
			log.Error(err.Error())
		}
		systray.Quit()
	}()
}

func onExit() {
	log.Info("Shutdown complete")
}

// trayIcon draws a small monochrome screen outline
func trayIcon() []byte {
	const size = 22
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	black := color.NRGBA{A: 255}
	for x := 2; x < size-2; x++ {
		for y := 5; y < size-5; y++ {
			if x < 4 || x >= size-4 || y < 7 || y >= size-7 {
				img.Set(x, y, black)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		log.Error(err.Error())
	}
	return buf.Bytes()
}
