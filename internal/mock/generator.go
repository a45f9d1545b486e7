// Package mock provides a simulated adb prober and a simulated mirror
// launcher so the server can run end to end on machines with no Android
// tooling installed (-mock flag).
package mock

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/droidmirror/backend/internal/mirror"
)

// mockDevice is one scripted entry in the simulated device pool. Polls
// are counted from zero; leavePoll == 0 means the device never leaves.
type mockDevice struct {
	serial    string
	joinPoll  int
	leavePoll int
}

// Repeating cycle so churn stays observable no matter when a client
// connects: the pool loops through the same join/leave script.
const cyclePeriod = 40

var devicePool = []mockDevice{
	{serial: "emulator-5554"},
	{serial: "R58M42ABCDE"},
	{serial: "192.168.1.42:5555", joinPoll: 6, leavePoll: 24},
	{serial: "emulator-5556", joinPoll: 14, leavePoll: 34},
}

// Prober simulates adb device enumeration. It satisfies the same
// contract as the real adb prober: each Enumerate call is one poll.
type Prober struct {
	mu    sync.Mutex
	polls int
}

func NewProber() *Prober {
	return &Prober{}
}

func (p *Prober) Enumerate() ([]string, error) {
	p.mu.Lock()
	phase := p.polls % cyclePeriod
	p.polls++
	p.mu.Unlock()

	var ids []string
	for _, d := range devicePool {
		if phase < d.joinPoll {
			continue
		}
		if d.leavePoll > 0 && phase >= d.leavePoll {
			continue
		}
		ids = append(ids, d.serial)
	}
	sort.Strings(ids)
	return ids, nil
}

// Launcher simulates scrcpy. Each launched handle emits synthetic
// status lines on stdout until it is terminated or its randomized
// lifetime elapses, so mock runs exercise the self-exit path too.
type Launcher struct {
	// LineInterval is the delay between emitted lines. Zero means the
	// default of one second.
	LineInterval time.Duration

	// Lifetime bounds the simulated session duration: each session
	// self-exits with code 0 after a random duration in
	// [Lifetime/2, Lifetime). Zero means the default of two minutes.
	Lifetime time.Duration
}

func NewLauncher() *Launcher {
	return &Launcher{}
}

func (l *Launcher) Launch(deviceID string, extraArgs []string) (mirror.Handle, error) {
	interval := l.LineInterval
	if interval <= 0 {
		interval = time.Second
	}
	lifetime := l.Lifetime
	if lifetime <= 0 {
		lifetime = 2 * time.Minute
	}
	lifetime = lifetime/2 + time.Duration(rand.Int63n(int64(lifetime/2)))

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	h := &Handle{
		deviceID: deviceID,
		stdout:   stdoutR,
		stderr:   stderrR,
		stdoutW:  stdoutW,
		stderrW:  stderrW,
		done:     make(chan struct{}),
	}

	go h.emit(interval, lifetime, extraArgs)
	return h, nil
}

// Handle is a fake mirror process. It self-exits with code 0 when its
// lifetime elapses; Terminate ends it early with no exit code, like a
// killed process.
type Handle struct {
	deviceID string
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	stdoutW  *io.PipeWriter
	stderrW  *io.PipeWriter
	done     chan struct{}
	once     sync.Once
	code     *int // written before done closes
}

func (h *Handle) Stdout() io.ReadCloser { return h.stdout }
func (h *Handle) Stderr() io.ReadCloser { return h.stderr }

func (h *Handle) Poll() (*int, bool) {
	select {
	case <-h.done:
		return h.code, true
	default:
		return nil, false
	}
}

func (h *Handle) Terminate() error {
	h.exit(nil)
	return nil
}

func (h *Handle) Wait() *int {
	<-h.done
	return h.code
}

// exit records the terminal state once; whichever of Terminate and the
// lifetime expiry runs first wins.
func (h *Handle) exit(code *int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
		// Unblocks any pending pipe write so emit can return.
		h.stdoutW.Close()
		h.stderrW.Close()
	})
}

func (h *Handle) emit(interval, lifetime time.Duration, extraArgs []string) {
	defer h.stdoutW.Close()
	defer h.stderrW.Close()

	banner := fmt.Sprintf("INFO: [mock] mirroring %s", h.deviceID)
	if len(extraArgs) > 0 {
		banner += fmt.Sprintf(" %v", extraArgs)
	}
	if _, err := fmt.Fprintln(h.stderrW, banner); err != nil {
		return
	}
	if _, err := fmt.Fprintf(h.stdoutW, "INFO: Texture: 1080x2400\n"); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expiry := time.NewTimer(lifetime)
	defer expiry.Stop()

	tick := 0
	for {
		select {
		case <-h.done:
			return
		case <-expiry.C:
			code := 0
			h.exit(&code)
			return
		case <-ticker.C:
			tick++
			// Sinusoidal frame rate around 55 fps with a little jitter,
			// mimicking a mirror settling under varying screen activity.
			fps := 55 + 5*math.Sin(float64(tick)/8.0) + float64(rand.Intn(3)-1)
			if _, err := fmt.Fprintf(h.stdoutW, "INFO: fps=%.0f\n", fps); err != nil {
				return
			}
		}
	}
}
