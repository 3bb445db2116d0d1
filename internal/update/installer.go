package update

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// ExecInstaller launches the downloaded artifact as a detached process
type ExecInstaller struct{}

// Install starts the installer without waiting for it
func (ExecInstaller) Install(path string) error {
	if path == "" {
		return errors.New("no update artifact to install")
	}
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		if err := os.Chmod(path, 0755); err != nil {
			return errors.Wrapf(err, "Failed to make '%s' executable", path)
		}
		cmd = exec.Command(path)
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "Failed to start installer '%s'", path)
	}
	return cmd.Process.Release()
}

// PlatformAsset selects the release asset matching the running operating system
func PlatformAsset(name string) bool {
	lname := strings.ToLower(name)
	switch runtime.GOOS {
	case "windows":
		return strings.HasSuffix(lname, ".exe")
	case "darwin":
		return strings.HasSuffix(lname, ".dmg")
	default:
		return strings.HasSuffix(lname, ".appimage") || (strings.HasSuffix(lname, ".deb") && strings.Contains(lname, runtime.GOARCH))
	}
}
