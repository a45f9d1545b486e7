package device

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/droidmirror/backend/internal/event"
	"github.com/droidmirror/backend/internal/metrics"
)

// Watcher polls the enumeration probe and turns the level-triggered device
// list into edge-triggered connect/disconnect events by diffing against the
// previous successful snapshot. It never talks to the mirror registry; a
// session may outlive its device's visibility.
type Watcher struct {
	prober Prober
	sink   event.Sink
	health *probeHealth

	mu       sync.Mutex
	interval time.Duration
	known    map[string]struct{}
}

func NewWatcher(prober Prober, sink event.Sink, interval time.Duration, healthThreshold int) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if sink == nil {
		sink = event.Discard{}
	}
	return &Watcher{
		prober:   prober,
		sink:     sink,
		health:   newProbeHealth(healthThreshold),
		interval: interval,
		known:    make(map[string]struct{}),
	}
}

// SetInterval changes the polling period. Takes effect after the cycle
// currently in flight.
func (w *Watcher) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	w.interval = d
	w.mu.Unlock()
}

// Devices returns a sorted copy of the last successful snapshot.
func (w *Watcher) Devices() []string {
	w.mu.Lock()
	ids := make([]string, 0, len(w.known))
	for id := range w.known {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Run polls until ctx is cancelled. Cancellation is cooperative: a cycle
// already in flight finishes before the loop exits.
func (w *Watcher) Run(ctx context.Context) {
	log.Printf("[device] watcher started (interval=%s)", w.currentInterval())

	// Initial poll so the first snapshot doesn't wait a full interval.
	w.poll()

	for {
		select {
		case <-ctx.Done():
			log.Println("[device] watcher stopped")
			return
		case <-time.After(w.currentInterval()):
			w.poll()
		}
	}
}

func (w *Watcher) currentInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// poll runs one enumeration cycle. Probe failures are recoverable: the
// cycle is skipped and the snapshot left unchanged, so a flapping adb
// server never produces phantom disconnect events.
func (w *Watcher) poll() {
	metrics.PollCycles.Inc()

	ids, err := w.prober.Enumerate()
	if err != nil {
		metrics.ProbeFailures.Inc()
		log.Printf("[device] enumeration error: %v", err)
		if msg := w.health.recordFailure(err); msg != "" {
			w.sink.Diagnostic(msg)
		}
		return
	}
	if msg := w.health.recordSuccess(); msg != "" {
		w.sink.Diagnostic(msg)
	}

	current := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}

	var added, removed []string
	w.mu.Lock()
	for id := range current {
		if _, ok := w.known[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range w.known {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.known = current
	w.mu.Unlock()

	metrics.DevicesConnected.Set(float64(len(current)))

	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 {
		log.Printf("[device] connected: %v", added)
		w.sink.DevicesConnected(added)
	}
	if len(removed) > 0 {
		log.Printf("[device] disconnected: %v", removed)
		w.sink.DevicesDisconnected(removed)
	}
}
