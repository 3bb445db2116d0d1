package util

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// log is the global logger
var log = logrus.New()

// SetLogLevel sets the log level for the application
func SetLogLevel(level logrus.Level) {
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true, QuoteEmptyFields: true}
	log.Level = level
}

// GetLogger returns the main logger
func GetLogger(context string) *logrus.Entry {
	return log.WithField("context", context)
}

// AddLogHook attaches a hook to the main logger
func AddLogHook(hook logrus.Hook) {
	log.AddHook(hook)
}

// StringInSlice checks if provided string is in provided string list
func StringInSlice(a string, list []string) (bool, int) {
	for i, b := range list {
		if b == a {
			return true, i
		}
	}
	return false, 0
}

// HTTPBadResponse checks a HTTP response code and returns an error if its not ok
func HTTPBadResponse(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("error (HTTP %d) while performing HTTP request", resp.StatusCode)
		}
		return fmt.Errorf("error (HTTP %d) while performing HTTP request: \"%s\"", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the destination directory and renames it into place
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for '%s': %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file for '%s': %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file for '%s': %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for '%s': %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set permissions on '%s': %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move '%s' into place: %w", path, err)
	}
	return nil
}

// Go runs fn in a new goroutine. A panic inside fn is logged and swallowed
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("proc", name).Errorf("Recovered from panic: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}
