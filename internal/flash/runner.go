package flash

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

var progressLine = regexp.MustCompile(`progress:\s*(\d+(?:\.\d+)?)%`)

// Runner executes a single step of the flash pipeline. onLine receives every line the step prints
type Runner interface {
	Run(ctx context.Context, step string, args []string, onLine func(line string)) error
}

// ExecRunner runs an external flashing tool, once per step: <tool> <toolArgs...> <step> <args...>
type ExecRunner struct {
	Tool string
	Args []string
}

// Run starts the tool and waits for it to exit
func (er ExecRunner) Run(ctx context.Context, step string, args []string, onLine func(line string)) error {
	if er.Tool == "" {
		return errors.New("no flash tool configured")
	}
	cmdArgs := append(append(append([]string{}, er.Args...), step), args...)
	cmd := exec.CommandContext(ctx, er.Tool, cmdArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "Failed to attach to flash tool stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "Failed to attach to flash tool stderr")
	}

	log.Debugf("Running '%s' with args %v", er.Tool, cmdArgs)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "Failed to start flash tool '%s'", er.Tool)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			log.WithField("proc", "flash-tool").Debug(line)
			onLine(line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			log.WithField("proc", "flash-tool").Warn(line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return errors.Wrapf(err, "Flash tool step '%s' failed", step)
	}
	return nil
}

func scanLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

// parseProgress extracts the percentage from a "progress: NN%" line
func parseProgress(line string) (float64, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}
