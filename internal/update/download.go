package update

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/release"
	"github.com/deskthing/deskthingd/internal/task"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const progressInterval = 250 * time.Millisecond

type downloader struct {
	client *http.Client
}

func newDownloader() *downloader {
	return &downloader{client: &http.Client{}}
}

// countingWriter counts the bytes written through it
type countingWriter struct {
	written int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	atomic.AddInt64(&cw.written, int64(len(p)))
	return len(p), nil
}

func (cw *countingWriter) count() int64 {
	return atomic.LoadInt64(&cw.written)
}

// downloadTask downloads an update artifact into the updates directory
type downloadTask struct {
	store   *Store
	release release.Release
	asset   release.Asset
}

// Name returns the name of the task
func (t *downloadTask) Name() string {
	return "Download update " + t.release.Version
}

// Run downloads the artifact to a partial file and moves it into place once complete. Any failure
// removes the partial file and moves the store to Error
func (t *downloadTask) Run(parent *task.Base, id string, p task.Progrs) error {
	s := t.store
	s.progress.Start(progress.UpdateDownload, "Download-Update", "Downloading "+t.asset.Name)

	path, err := t.download(parent, p)
	if err != nil {
		log.WithField("proc", id).Errorf("Failed to download update: %s", err.Error())
		s.progress.Error(progress.UpdateDownload, "Failed to download update", err)
		s.fail(err)
		return err
	}

	s.downloaded(path)
	s.progress.Complete(progress.UpdateDownload, "Update downloaded")
	p.SetState("Update downloaded")
	return nil
}

func (t *downloadTask) download(parent *task.Base, p task.Progrs) (string, error) {
	s := t.store
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return "", errors.Wrapf(err, "Failed to create updates directory '%s'", s.cfg.Dir)
	}
	final := filepath.Join(s.cfg.Dir, filepath.Base(t.asset.Name))
	partial := final + ".part"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-parent.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.asset.URL, nil)
	if err != nil {
		return "", errors.Wrap(err, "Failed to create download request")
	}
	resp, err := s.downloadr.client.Do(req)
	if err != nil {
		return "", util.WrapTyped(err, util.ErrExternal, "download request failed")
	}
	defer resp.Body.Close()
	if err := util.HTTPBadResponse(resp); err != nil {
		return "", util.WrapTyped(err, util.ErrExternal, "download request failed")
	}

	total := t.asset.Size
	if total <= 0 {
		total = resp.ContentLength
	}

	f, err := os.Create(partial)
	if err != nil {
		return "", errors.Wrapf(err, "Failed to create '%s'", partial)
	}

	counter := &countingWriter{}
	stop := make(chan struct{})
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ticker.C:
				t.report(p, counter.count(), total, start)
			case <-stop:
				t.report(p, counter.count(), total, start)
				return
			}
		}
	}()

	_, copyErr := io.Copy(io.MultiWriter(f, counter), resp.Body)
	close(stop)
	<-reported
	closeErr := f.Close()

	written := counter.count()
	switch {
	case parent.Killed():
		err = task.ErrKilledByUser
	case copyErr != nil:
		err = util.WrapTyped(copyErr, util.ErrExternal, "download interrupted")
	case closeErr != nil:
		err = errors.Wrapf(closeErr, "Failed to write '%s'", partial)
	case total > 0 && written != total:
		err = util.NewTypedError(util.ErrExternal, "incomplete download: got %s of %s", humanize.Bytes(uint64(written)), humanize.Bytes(uint64(total)))
	}
	if err != nil {
		if rmErr := os.Remove(partial); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warnf("Failed to remove partial download '%s': %s", partial, rmErr.Error())
		}
		return "", err
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", errors.Wrapf(err, "Failed to move '%s' into place", final)
	}
	log.Infof("Downloaded update %s (%s) to '%s'", t.release.Version, humanize.Bytes(uint64(written)), final)
	return final, nil
}

func (t *downloadTask) report(p task.Progrs, written int64, total int64, start time.Time) {
	prog := Progress{Transferred: written, Total: total}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		prog.BytesPerSecond = float64(written) / elapsed
	}
	if total > 0 {
		prog.Percent = float64(written) / float64(total) * 100
	}
	t.store.setProgress(prog)
	p.SetPercentage(int(prog.Percent))
	msg := humanize.Bytes(uint64(written)) + " at " + humanize.Bytes(uint64(prog.BytesPerSecond)) + "/s"
	t.store.progress.Update(progress.UpdateDownload, msg, prog.Percent/100)
}
