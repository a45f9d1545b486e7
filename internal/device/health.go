package device

import "fmt"

// probeHealth tracks consecutive enumeration failures so the watcher can
// surface a persistent adb problem once instead of once per cycle. Only
// touched from the poll loop, so no locking.
type probeHealth struct {
	threshold int
	failures  int
	degraded  bool
	lastErr   string
}

func newProbeHealth(threshold int) *probeHealth {
	if threshold <= 0 {
		threshold = 3
	}
	return &probeHealth{threshold: threshold}
}

// recordFailure counts a failed cycle. It returns a non-empty diagnostic
// exactly when the failure streak crosses the threshold.
func (h *probeHealth) recordFailure(err error) string {
	h.failures++
	h.lastErr = err.Error()
	if h.failures == h.threshold && !h.degraded {
		h.degraded = true
		return fmt.Sprintf("device probe failing (%d consecutive errors, last: %s)", h.failures, h.lastErr)
	}
	return ""
}

// recordSuccess resets the streak. It returns a non-empty diagnostic
// exactly when recovering from a degraded state.
func (h *probeHealth) recordSuccess() string {
	wasDegraded := h.degraded
	h.failures = 0
	h.degraded = false
	h.lastErr = ""
	if wasDegraded {
		return "device probe recovered"
	}
	return ""
}
