// Package mirror manages one external mirroring process per connected
// device: spawning, output streaming, exit detection, and teardown, safe
// under concurrent start/stop requests and asynchronous process exit.
package mirror

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/droidmirror/backend/internal/event"
	"github.com/droidmirror/backend/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned by Start when the device already has
	// a live session. Callers treat it as a rejected duplicate, not a
	// failure that tears anything down.
	ErrAlreadyRunning = errors.New("mirror: session already running")

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("mirror: registry is shutting down")
)

// Registry owns the set of live mirroring sessions, at most one per device
// identifier. Its lock covers only map-level insert/remove/lookup; the slow
// spawn happens outside it, behind a placeholder entry that rejects
// concurrent duplicate starts.
type Registry struct {
	launcher Launcher
	sink     event.Sink

	mu       sync.Mutex
	sessions map[string]*controller
	exitPoll time.Duration
	closed   bool

	// wg tracks reader and supervisor goroutines plus in-flight starts,
	// so Shutdown can wait for all of them instead of signalling and
	// hoping.
	wg sync.WaitGroup
}

func NewRegistry(launcher Launcher, sink event.Sink, exitPollInterval time.Duration) *Registry {
	if exitPollInterval <= 0 {
		exitPollInterval = 500 * time.Millisecond
	}
	if sink == nil {
		sink = event.Discard{}
	}
	return &Registry{
		launcher: launcher,
		sink:     sink,
		sessions: make(map[string]*controller),
		exitPoll: exitPollInterval,
	}
}

// SetExitPollInterval changes the exit supervision period for sessions
// started after the call.
func (r *Registry) SetExitPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.exitPoll = d
	r.mu.Unlock()
}

func (r *Registry) exitPollInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitPoll
}

// Start spawns a mirroring process for the device. The registry entry is
// inserted as a placeholder before the spawn so that a concurrent Start
// for the same device is rejected without the registry lock ever being
// held across the spawn syscall. A concurrent Stop arriving mid-spawn
// wins: the fresh process is killed before it is ever visible as running.
func (r *Registry) Start(deviceID string, extraArgs []string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := r.sessions[deviceID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctl := newController(deviceID)
	r.sessions[deviceID] = ctl
	r.wg.Add(1) // covers the spawn; Shutdown must outwait it
	r.mu.Unlock()
	defer r.wg.Done()

	h, err := r.launcher.Launch(deviceID, extraArgs)
	if err != nil {
		r.remove(deviceID, ctl)
		metrics.SpawnFailures.Inc()
		log.Printf("[mirror] spawn failed for %s: %v", deviceID, err)
		return fmt.Errorf("spawning mirror for %s: %w", deviceID, err)
	}

	if !ctl.attach(h) {
		// Stop won the race. The process exists but was never tracked
		// as running; kill it and confirm death so no orphan survives.
		_ = h.Terminate()
		h.Wait()
		r.remove(deviceID, ctl)
		r.sink.Diagnostic(fmt.Sprintf("mirror for %s stopped during startup", deviceID))
		log.Printf("[mirror] %s: stop requested during spawn, process discarded", deviceID)
		return nil
	}

	metrics.SessionsActive.Inc()
	log.Printf("[mirror] session started for %s (run=%s)", deviceID, ctl.runID)

	r.wg.Add(3)
	go r.streamLines(ctl, h.Stdout())
	go r.streamLines(ctl, h.Stderr())
	go r.superviseExit(ctl)
	return nil
}

// Stop tears down the device's session and removes it from the registry.
// Stopping a device with no session is a no-op success.
func (r *Registry) Stop(deviceID string) error {
	r.mu.Lock()
	ctl := r.sessions[deviceID]
	if ctl != nil {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()

	if ctl == nil {
		return nil
	}

	if h := ctl.requestStop(); h != nil {
		_ = h.Terminate()
		h.Wait()
		r.endSession(ctl, nil)
		log.Printf("[mirror] session stopped for %s (run=%s)", deviceID, ctl.runID)
	}
	return nil
}

// Snapshot returns the devices that currently have a running session,
// sorted. Eventually consistent with concurrent start/stop.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id, ctl := range r.sessions {
		if ctl.isRunning() {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown tears down every session and blocks until all spawned
// processes have exited and every supervision goroutine has drained. The
// registry rejects new starts from the moment it is called.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	ctls := make([]*controller, 0, len(r.sessions))
	for _, ctl := range r.sessions {
		ctls = append(ctls, ctl)
	}
	r.sessions = make(map[string]*controller)
	r.mu.Unlock()

	for _, ctl := range ctls {
		if h := ctl.requestStop(); h != nil {
			_ = h.Terminate()
			h.Wait()
			r.endSession(ctl, nil)
			log.Printf("[mirror] session for %s terminated at shutdown", ctl.deviceID)
		}
	}

	// Sessions still spawning were marked stop-requested above; their
	// in-flight Start kills the process on attach, and wg covers it.
	r.wg.Wait()
}

// remove deletes the registry entry only if it still maps to this
// controller, so a newer session for the same device is never evicted.
func (r *Registry) remove(deviceID string, ctl *controller) {
	r.mu.Lock()
	if r.sessions[deviceID] == ctl {
		delete(r.sessions, deviceID)
	}
	r.mu.Unlock()
}

// endSession records the terminal transition of a session that reached
// running. Reached by exactly one of the explicit stop path, the exit
// supervisor, or the shutdown drain.
func (r *Registry) endSession(ctl *controller, code *int) {
	metrics.SessionsActive.Dec()
	metrics.SessionsEnded.Inc()
	r.sink.SessionEnded(ctl.deviceID, ctl.runID, code)
}

// streamLines forwards the process's output one line at a time. It holds
// no controller lock and triggers no state transition: it simply drains
// until the stream closes, which happens when the process exits or is
// killed.
func (r *Registry) streamLines(ctl *controller, stream io.ReadCloser) {
	defer r.wg.Done()
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		metrics.SessionLogLines.Inc()
		r.sink.SessionLog(ctl.deviceID, ctl.runID, scanner.Text())
	}
}

// superviseExit polls for self-initiated process exit. It returns as soon
// as the session leaves the running phase by any path.
func (r *Registry) superviseExit(ctl *controller) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.exitPollInterval())
	defer ticker.Stop()

	for range ticker.C {
		code, ended := ctl.takeIfExited()
		if ended {
			r.remove(ctl.deviceID, ctl)
			r.endSession(ctl, code)
			log.Printf("[mirror] session for %s exited (run=%s, code=%s)", ctl.deviceID, ctl.runID, formatExitCode(code))
			return
		}
		if ctl.currentPhase() != phaseRunning {
			// Explicit stop or shutdown won; nothing left to watch.
			return
		}
	}
}

func formatExitCode(code *int) string {
	if code == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *code)
}
