package mirror

import (
	"fmt"
	"io"
	"os/exec"
)

// Handle is the supervised side of one spawned mirroring process.
type Handle interface {
	// Stdout and Stderr deliver the process's line-oriented output. The
	// reader owns the stream and closes it when it reaches end-of-input.
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Poll reports whether the process has exited, without blocking.
	// The exit code is nil when the process was killed by a signal or
	// its status could not be collected.
	Poll() (code *int, exited bool)

	// Terminate forcibly kills the process. Safe to call after exit.
	Terminate() error

	// Wait blocks until the process has exited and returns its exit
	// code (nil on kill/unknown).
	Wait() *int
}

// Launcher spawns one mirroring process for a device.
type Launcher interface {
	Launch(deviceID string, extraArgs []string) (Handle, error)
}

// ScrcpyLauncher launches scrcpy with piped stdout/stderr.
type ScrcpyLauncher struct {
	// Path is the scrcpy binary, resolved via $PATH when relative.
	Path string

	// DefaultArgs precede any per-request args on every launch.
	DefaultArgs []string
}

func (l *ScrcpyLauncher) Launch(deviceID string, extraArgs []string) (Handle, error) {
	path := l.Path
	if path == "" {
		path = "scrcpy"
	}

	args := make([]string, 0, 2+len(l.DefaultArgs)+len(extraArgs))
	args = append(args, "-s", deviceID)
	args = append(args, l.DefaultArgs...)
	args = append(args, extraArgs...)

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	h := &procHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

// procHandle wraps an exec.Cmd. The exit status is collected by a
// dedicated reaper goroutine so that Poll never blocks; the pipe read ends
// are left to the output readers, which hit EOF when the process dies.
type procHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	done   chan struct{}
	code   *int // written by reap before done closes
}

// reap waits on the process directly rather than through cmd.Wait, which
// would close the output pipes out from under the line readers.
func (h *procHandle) reap() {
	state, err := h.cmd.Process.Wait()
	if err == nil && state != nil {
		if c := state.ExitCode(); c >= 0 {
			h.code = &c
		}
	}
	close(h.done)
}

func (h *procHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *procHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *procHandle) Poll() (*int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return nil, false
	}
}

func (h *procHandle) Terminate() error {
	select {
	case <-h.done:
		return nil
	default:
	}
	return h.cmd.Process.Kill()
}

func (h *procHandle) Wait() *int {
	<-h.done
	return h.code
}
