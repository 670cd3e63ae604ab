package recorder

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Capturer starts audio capture into a file.
type Capturer interface {
	Start(path string) (Capture, error)
}

// Capture is a running capture.
type Capture interface {
	// Stop asks the capture to finish, forcing it after grace.
	Stop(grace time.Duration) error
}

// ExecCapturer records by running an ALSA arecord compatible command.
type ExecCapturer struct {
	Command    string
	Device     string
	Format     string
	SampleRate int
	Channels   int
}

// Args returns the command line for writing to path.
func (c ExecCapturer) Args(path string) []string {
	return []string{
		"-q",
		"-D", c.Device,
		"-f", c.Format,
		"-r", strconv.Itoa(c.SampleRate),
		"-c", strconv.Itoa(c.Channels),
		"-t", "wav",
		path,
	}
}

// Start launches the capture process.
func (c ExecCapturer) Start(path string) (Capture, error) {
	cmd := exec.Command(c.Command, c.Args(path)...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Command, err)
	}

	p := &process{cmd: cmd, done: make(chan error, 1)}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

type process struct {
	cmd  *exec.Cmd
	done chan error
}

// Stop sends SIGINT so arecord finalises the WAV header, then kills the
// process if it is still running after grace.
func (p *process) Stop(grace time.Duration) error {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case err = <-p.done:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		err = <-p.done
		if err == nil {
			err = errors.New("capture killed after grace period")
		}
		return err
	}

	// Exiting on SIGINT is the normal way to stop
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
