// Package update implements the self-update state machine of the daemon
package update

import (
	"context"
	"sync"
	"time"

	"github.com/deskthing/deskthingd/internal/events"
	"github.com/deskthing/deskthingd/internal/progress"
	"github.com/deskthing/deskthingd/internal/release"
	"github.com/deskthing/deskthingd/internal/task"
	"github.com/deskthing/deskthingd/internal/util"

	"github.com/pkg/errors"
)

var log = util.GetLogger("update")

// Name is the registry name of the update store
const Name = "update"

// State of the update store
type State string

const (
	// Idle - no update known
	Idle State = "idle"
	// Checking - looking for a newer release
	Checking State = "checking"
	// UpdateAvailable - a newer release exists and can be downloaded
	UpdateAvailable State = "update-available"
	// Downloading - the update is being downloaded
	Downloading State = "downloading"
	// ReadyToInstall - the update has been downloaded and verified
	ReadyToInstall State = "ready-to-install"
	// Installing - the installer has been launched. Terminal
	Installing State = "installing"
	// Error - the last operation failed
	Error State = "error"
)

// ErrInvalidState is returned when an operation is not valid for the current state
var ErrInvalidState = util.NewTypedError(util.ErrValidation, "operation not valid in the current update state")

// Status is the state of the update store as seen by clients
type Status struct {
	State        State     `json:"state"`
	Version      string    `json:"version,omitempty"`
	ReleaseNotes string    `json:"releaseNotes,omitempty"`
	ReleaseName  string    `json:"releaseName,omitempty"`
	ReleaseDate  time.Time `json:"releaseDate,omitempty"`
	Error        string    `json:"error,omitempty"`
	Downloaded   bool      `json:"downloaded"`
}

// Progress of a running download
type Progress struct {
	Percent        float64 `json:"percent"`
	BytesPerSecond float64 `json:"bytesPerSecond"`
	Transferred    int64   `json:"transferred"`
	Total          int64   `json:"total"`
}

// Installer launches a downloaded update
type Installer interface {
	Install(path string) error
}

// Config holds the parameters of the update store
type Config struct {
	Owner          string
	Repo           string
	CurrentVersion string
	Dir            string
	AssetFilter    func(name string) bool
}

// Store drives the update state machine. Only the operation valid for the current state is accepted
type Store struct {
	access    sync.Mutex
	cfg       Config
	src       release.Source
	pub       events.Publisher
	progress  *progress.Bus
	tasks     *task.Manager
	installer Installer
	shutdown  func()
	downloadr *downloader

	status   Status
	prog     Progress
	pending  release.Release
	artifact string
}

// New creates an update store in the Idle state
func New(cfg Config, src release.Source, pub events.Publisher, pb *progress.Bus, tm *task.Manager, installer Installer, shutdown func()) *Store {
	if cfg.AssetFilter == nil {
		cfg.AssetFilter = PlatformAsset
	}
	return &Store{
		cfg:       cfg,
		src:       src,
		pub:       pub,
		progress:  pb,
		tasks:     tm,
		installer: installer,
		shutdown:  shutdown,
		downloadr: newDownloader(),
		status:    Status{State: Idle},
	}
}

// Name returns the registry name of the store
func (s *Store) Name() string {
	return Name
}

// Status returns the current status
func (s *Store) Status() Status {
	s.access.Lock()
	defer s.access.Unlock()
	return s.status
}

// Progress returns the progress of the last download
func (s *Store) Progress() Progress {
	s.access.Lock()
	defer s.access.Unlock()
	return s.prog
}

// setStatus stores and publishes a new status. Caller holds the lock
func (s *Store) setStatus(status Status) {
	log.Debugf("Update state %s -> %s", s.status.State, status.State)
	s.status = status
	s.pub.Publish(events.UpdateStatus, status)
}

// transition moves to the next state if the store is in one of the allowed states
func (s *Store) transition(next State, allowed ...State) error {
	s.access.Lock()
	defer s.access.Unlock()
	for _, st := range allowed {
		if s.status.State == st {
			status := s.status
			status.State = next
			s.setStatus(status)
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "cannot move to '%s' from '%s'", next, s.status.State)
}

// fail moves the store to Error and publishes the message on the update-error channel
func (s *Store) fail(err error) {
	s.access.Lock()
	status := s.status
	status.State = Error
	status.Error = err.Error()
	s.setStatus(status)
	s.access.Unlock()
	s.pub.Publish(events.UpdateError, err.Error())
}

// CheckForUpdates looks for a release newer than the running version. It returns the new version or
// an empty string when the daemon is up to date
func (s *Store) CheckForUpdates(ctx context.Context) (string, error) {
	if err := s.transition(Checking, Idle, Error); err != nil {
		return "", err
	}

	log.Infof("Checking for updates of %s/%s (current version %s)", s.cfg.Owner, s.cfg.Repo, s.cfg.CurrentVersion)
	latest, err := s.src.LatestRelease(ctx, s.cfg.Owner, s.cfg.Repo)
	var newer bool
	if err == nil {
		latest, newer, err = release.NewReleases([]release.Release{latest}).NewerThan(s.cfg.CurrentVersion)
	}
	if err != nil {
		err = util.WrapTyped(err, util.ErrExternal, "failed to check for updates")
		log.Error(err.Error())
		s.fail(err)
		// back to Idle so the check can be retried, keeping the error message
		s.access.Lock()
		status := s.status
		status.State = Idle
		s.setStatus(status)
		s.access.Unlock()
		return "", err
	}

	s.access.Lock()
	defer s.access.Unlock()
	if !newer {
		s.setStatus(Status{State: Idle})
		return "", nil
	}
	s.pending = latest
	s.setStatus(Status{
		State:        UpdateAvailable,
		Version:      latest.Version,
		ReleaseNotes: latest.Notes,
		ReleaseName:  latest.Name,
		ReleaseDate:  latest.ReleaseDate,
	})
	log.Infof("Update %s is available", latest.Version)
	return latest.Version, nil
}

// StartDownload starts downloading the available update in the background
func (s *Store) StartDownload(ctx context.Context) (*task.Base, error) {
	if err := s.transition(Downloading, UpdateAvailable); err != nil {
		return nil, err
	}
	s.access.Lock()
	rl := s.pending
	s.prog = Progress{}
	s.access.Unlock()

	asset, err := rl.FindAsset(s.cfg.AssetFilter)
	if err != nil {
		s.fail(err)
		return nil, util.WrapTyped(err, util.ErrNotFound, "no update artifact for this platform")
	}
	return s.tasks.New(&downloadTask{store: s, release: rl, asset: asset}), nil
}

// QuitAndInstall launches the downloaded update and asks the daemon to exit
func (s *Store) QuitAndInstall() error {
	s.access.Lock()
	if s.status.State != ReadyToInstall {
		state := s.status.State
		s.access.Unlock()
		return errors.Wrapf(ErrInvalidState, "cannot install from '%s'", state)
	}
	if err := s.installer.Install(s.artifact); err != nil {
		s.access.Unlock()
		err = util.WrapTyped(err, util.ErrExternal, "failed to launch the installer")
		s.fail(err)
		return err
	}
	status := s.status
	status.State = Installing
	s.setStatus(status)
	s.access.Unlock()

	log.Infof("Installer for %s launched, shutting down", status.Version)
	if s.shutdown != nil {
		util.Go("update-shutdown", s.shutdown)
	}
	return nil
}

func (s *Store) setProgress(p Progress) {
	s.access.Lock()
	s.prog = p
	s.access.Unlock()
	s.pub.Publish(events.UpdateProgress, p)
}

func (s *Store) downloaded(path string) {
	s.access.Lock()
	defer s.access.Unlock()
	s.artifact = path
	status := s.status
	status.State = ReadyToInstall
	status.Downloaded = true
	status.Error = ""
	s.setStatus(status)
}

// ClearCache resets the download progress
func (s *Store) ClearCache(ctx context.Context) error {
	s.access.Lock()
	defer s.access.Unlock()
	s.prog = Progress{}
	return nil
}

// SaveToFile is a no-op, the update state is not persisted
func (s *Store) SaveToFile(ctx context.Context) error {
	return nil
}
