package mirror

import (
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeHandle implements Handle with a controllable exit. Output is backed
// by in-memory pipes so the registry's line readers exercise the same EOF
// path a real process produces.
type fakeHandle struct {
	outR, errR io.ReadCloser
	outW, errW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	code     *int

	mu     sync.Mutex
	killed bool
}

func newFakeHandle() *fakeHandle {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeHandle{
		outR: outR, outW: outW,
		errR: errR, errW: errW,
		done: make(chan struct{}),
	}
}

// exit simulates self-initiated process termination with an exit code.
func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		c := code
		h.code = &c
		h.outW.Close()
		h.errW.Close()
		close(h.done)
	})
}

func (h *fakeHandle) Stdout() io.ReadCloser { return h.outR }
func (h *fakeHandle) Stderr() io.ReadCloser { return h.errR }

func (h *fakeHandle) Poll() (*int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return nil, false
	}
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	// Killed processes report no exit code, like a real SIGKILL.
	h.exitOnce.Do(func() {
		h.outW.Close()
		h.errW.Close()
		close(h.done)
	})
	return nil
}

func (h *fakeHandle) Wait() *int {
	<-h.done
	return h.code
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeLauncher records launches and can block them behind a gate to widen
// the spawn window for race tests.
type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{entered: make(chan struct{}, 16)}
}

func (l *fakeLauncher) Launch(deviceID string, extraArgs []string) (Handle, error) {
	select {
	case l.entered <- struct{}{}:
	default:
	}

	l.mu.Lock()
	gate := l.gate
	launchErr := l.err
	l.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if launchErr != nil {
		return nil, launchErr
	}

	h := newFakeHandle()
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

// mirrorSink records session events.
type mirrorSink struct {
	mu    sync.Mutex
	logs  []string // "<device>:<line>"
	ended []endedEvent
	diags []string
}

type endedEvent struct {
	deviceID string
	code     *int
}

func (s *mirrorSink) DevicesConnected(ids []string)    {}
func (s *mirrorSink) DevicesDisconnected(ids []string) {}

func (s *mirrorSink) SessionLog(deviceID, runID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, deviceID+":"+line)
}

func (s *mirrorSink) SessionEnded(deviceID, runID string, exitCode *int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, endedEvent{deviceID, exitCode})
}

func (s *mirrorSink) Diagnostic(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diags = append(s.diags, msg)
}

func (s *mirrorSink) endedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ended)
}

func (s *mirrorSink) logLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.logs...)
}

func (s *mirrorSink) diagCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.diags)
}

const testExitPoll = 5 * time.Millisecond

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRejectsDuplicate(t *testing.T) {
	launcher := newFakeLauncher()
	r := NewRegistry(launcher, &mirrorSink{}, testExitPoll)
	defer r.Shutdown()

	if err := r.Start("X", nil); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := r.Start("X", nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if launcher.launchCount() != 1 {
		t.Errorf("launch count = %d, want 1", launcher.launchCount())
	}
}

func TestConcurrentStartOneWins(t *testing.T) {
	launcher := newFakeLauncher()
	gate := make(chan struct{})
	launcher.gate = gate
	r := NewRegistry(launcher, &mirrorSink{}, testExitPoll)
	defer r.Shutdown()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- r.Start("X", nil) }()
	}

	// Both goroutines have issued Start; at most one reached the
	// launcher. Release the gate and collect results.
	<-launcher.entered
	close(gate)

	var okCount, dupCount int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAlreadyRunning):
			dupCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if okCount != 1 || dupCount != 1 {
		t.Errorf("ok=%d dup=%d, want 1/1", okCount, dupCount)
	}
	if launcher.launchCount() != 1 {
		t.Errorf("launch count = %d, want exactly 1 process", launcher.launchCount())
	}
}

func TestStopDuringSpawnLeavesNoOrphan(t *testing.T) {
	launcher := newFakeLauncher()
	gate := make(chan struct{})
	launcher.gate = gate
	sink := &mirrorSink{}
	r := NewRegistry(launcher, sink, testExitPoll)
	defer r.Shutdown()

	startDone := make(chan error, 1)
	go func() { startDone <- r.Start("X", nil) }()

	// Wait until the spawn is in flight, then stop while it is blocked.
	<-launcher.entered
	if err := r.Stop("X"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(gate)

	if err := <-startDone; err != nil {
		t.Fatalf("Start after raced stop = %v, want nil", err)
	}

	h := launcher.handle(0)
	if !h.wasKilled() {
		t.Error("process spawned during raced stop was not killed")
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot = %v, want empty", got)
	}
	// The session never reached running, so no SessionEnded; the raced
	// stop surfaces as a diagnostic instead.
	if sink.endedCount() != 0 {
		t.Errorf("SessionEnded events = %d, want 0", sink.endedCount())
	}
	if sink.diagCount() != 1 {
		t.Errorf("diagnostics = %d, want 1", sink.diagCount())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := NewRegistry(newFakeLauncher(), &mirrorSink{}, testExitPoll)
	defer r.Shutdown()

	for i := 0; i < 3; i++ {
		if err := r.Stop("ghost"); err != nil {
			t.Fatalf("Stop #%d on absent session = %v, want nil", i+1, err)
		}
	}
}

func TestSelfExitEmitsSessionEndedOnce(t *testing.T) {
	launcher := newFakeLauncher()
	sink := &mirrorSink{}
	r := NewRegistry(launcher, sink, testExitPoll)
	defer r.Shutdown()

	if err := r.Start("X", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	launcher.handle(0).exit(42)

	waitFor(t, "SessionEnded", func() bool { return sink.endedCount() == 1 })

	sink.mu.Lock()
	ev := sink.ended[0]
	sink.mu.Unlock()
	if ev.deviceID != "X" {
		t.Errorf("ended device = %q, want X", ev.deviceID)
	}
	if ev.code == nil || *ev.code != 42 {
		t.Errorf("exit code = %v, want 42", ev.code)
	}

	waitFor(t, "registry entry removal", func() bool { return len(r.Snapshot()) == 0 })

	// The identifier is free again: a new session can start.
	if err := r.Start("X", nil); err != nil {
		t.Fatalf("restart after self-exit: %v", err)
	}

	// Settle and confirm no duplicate emission from the supervisor.
	time.Sleep(10 * testExitPoll)
	if got := sink.endedCount(); got != 1 {
		t.Errorf("SessionEnded events = %d, want exactly 1", got)
	}
}

func TestConcurrentStopAndSelfExitEndOnce(t *testing.T) {
	launcher := newFakeLauncher()
	sink := &mirrorSink{}
	r := NewRegistry(launcher, sink, testExitPoll)
	defer r.Shutdown()

	if err := r.Start("X", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Race the self-exit against an explicit stop. Whichever path takes
	// the handle wins; the other must see a terminated session.
	h := launcher.handle(0)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.exit(0)
	}()
	go func() {
		defer wg.Done()
		_ = r.Stop("X")
	}()
	wg.Wait()

	waitFor(t, "session end", func() bool { return sink.endedCount() >= 1 })
	time.Sleep(10 * testExitPoll)

	if got := sink.endedCount(); got != 1 {
		t.Errorf("SessionEnded events = %d, want exactly 1", got)
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot = %v, want empty", got)
	}
}

func TestSpawnFailureSurfacesAndClearsEntry(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.err = errors.New("binary not found")
	r := NewRegistry(launcher, &mirrorSink{}, testExitPoll)
	defer r.Shutdown()

	if err := r.Start("X", nil); err == nil || errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start with failing launcher = %v, want spawn error", err)
	}

	// The placeholder must be gone so the caller can retry.
	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()
	if err := r.Start("X", nil); err != nil {
		t.Fatalf("retry after spawn failure: %v", err)
	}
}

func TestOutputStreaming(t *testing.T) {
	launcher := newFakeLauncher()
	sink := &mirrorSink{}
	r := NewRegistry(launcher, sink, testExitPoll)
	defer r.Shutdown()

	if err := r.Start("X", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := launcher.handle(0)
	go func() {
		h.outW.Write([]byte("INFO: 60 fps\n"))
		h.outW.Write([]byte("INFO: 59 fps\n"))
		h.errW.Write([]byte("WARN: frame skipped\n"))
	}()

	waitFor(t, "log lines", func() bool { return len(sink.logLines()) == 3 })

	lines := sink.logLines()
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		seen[l] = true
	}
	for _, want := range []string{"X:INFO: 60 fps", "X:INFO: 59 fps", "X:WARN: frame skipped"} {
		if !seen[want] {
			t.Errorf("missing log line %q in %v", want, lines)
		}
	}
}

func TestSnapshotExcludesSpawning(t *testing.T) {
	launcher := newFakeLauncher()
	gate := make(chan struct{})
	launcher.gate = gate
	r := NewRegistry(launcher, &mirrorSink{}, testExitPoll)
	defer r.Shutdown()

	startDone := make(chan error, 1)
	go func() { startDone <- r.Start("X", nil) }()
	<-launcher.entered

	// Placeholder entries are not running yet.
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot during spawn = %v, want empty", got)
	}

	close(gate)
	if err := <-startDone; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"X"}) {
		t.Errorf("Snapshot = %v, want [X]", got)
	}
}

func TestShutdownTerminatesEverything(t *testing.T) {
	launcher := newFakeLauncher()
	sink := &mirrorSink{}
	r := NewRegistry(launcher, sink, testExitPoll)

	for _, id := range []string{"A", "B", "C"} {
		if err := r.Start(id, nil); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}

	r.Shutdown()

	for i := 0; i < launcher.launchCount(); i++ {
		h := launcher.handle(i)
		if _, exited := h.Poll(); !exited {
			t.Errorf("process %d still alive after Shutdown", i)
		}
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot after Shutdown = %v, want empty", got)
	}
	if got := sink.endedCount(); got != 3 {
		t.Errorf("SessionEnded events = %d, want 3", got)
	}
	if err := r.Start("D", nil); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownWaitsForInFlightSpawn(t *testing.T) {
	launcher := newFakeLauncher()
	gate := make(chan struct{})
	launcher.gate = gate
	r := NewRegistry(launcher, &mirrorSink{}, testExitPoll)

	startDone := make(chan error, 1)
	go func() { startDone <- r.Start("X", nil) }()
	<-launcher.entered

	shutdownDone := make(chan struct{})
	go func() {
		r.Shutdown()
		close(shutdownDone)
	}()

	// Shutdown must block while the spawn is in flight.
	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while spawn still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-startDone

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not complete after spawn resolved")
	}

	if h := launcher.handle(0); !h.wasKilled() {
		t.Error("process spawned during shutdown was not killed")
	}
}
