package mirror

import (
	"sync"

	"github.com/google/uuid"
)

// phase is the lifecycle tag of one mirroring session. Transitions are
// monotonic: starting -> running -> terminated, with stopRequested
// reachable from starting and running. terminated is absorbing.
type phase int

const (
	phaseStarting phase = iota
	phaseRunning
	phaseStopRequested
	phaseTerminated
)

func (p phase) String() string {
	switch p {
	case phaseStarting:
		return "starting"
	case phaseRunning:
		return "running"
	case phaseStopRequested:
		return "stop-requested"
	case phaseTerminated:
		return "terminated"
	}
	return "unknown"
}

// controller guards one device's mirroring process. Its mutex is the sole
// authority over the phase tag and the process handle: the handle is
// non-nil exactly while the phase is running, and it is moved out exactly
// once by whichever teardown path wins.
type controller struct {
	deviceID string
	runID    string // distinguishes successive sessions for one device

	mu     sync.Mutex
	phase  phase
	handle Handle
}

func newController(deviceID string) *controller {
	return &controller{
		deviceID: deviceID,
		runID:    uuid.NewString(),
		phase:    phaseStarting,
	}
}

func (c *controller) currentPhase() phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *controller) isRunning() bool {
	return c.currentPhase() == phaseRunning
}

// attach installs the freshly spawned handle, completing the starting ->
// running transition. It reports false when a stop arrived while the spawn
// was in flight; the caller then owns the process it just created and must
// kill it before it leaks.
func (c *controller) attach(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseStarting {
		c.phase = phaseTerminated
		return false
	}
	c.phase = phaseRunning
	c.handle = h
	return true
}

// requestStop begins explicit teardown. A running session's handle is
// moved out and returned for termination; a session still spawning is only
// marked, and the in-flight start detects the mark in attach. Returns nil
// when there is nothing for the caller to terminate.
func (c *controller) requestStop() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.phase {
	case phaseStarting:
		c.phase = phaseStopRequested
	case phaseRunning:
		h := c.handle
		c.handle = nil
		c.phase = phaseTerminated
		return h
	}
	return nil
}

// takeIfExited checks a running session for self-initiated process exit
// and, if so, moves the handle out and terminates the session. The
// explicit stop path and this check are mutually exclusive: whichever
// transitions the controller first takes the handle, and the loser sees a
// session that is no longer running.
func (c *controller) takeIfExited() (code *int, ended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseRunning {
		return nil, false
	}
	code, exited := c.handle.Poll()
	if !exited {
		return nil, false
	}
	c.handle = nil
	c.phase = phaseTerminated
	return code, true
}
