// Package event defines the outbound notification surface shared by the
// device watcher and the mirror registry. Both subsystems report to a Sink
// and never to each other.
package event

// Sink receives notifications about device presence and session lifecycle.
// Delivery is best-effort: implementations must not block the caller, and a
// dropped event never affects session management.
//
// Implementations must be safe for concurrent use; events arrive from the
// watcher loop, per-session reader goroutines, and HTTP handlers at once.
type Sink interface {
	// DevicesConnected reports identifiers that appeared since the
	// previous enumeration. Never called with an empty set.
	DevicesConnected(ids []string)

	// DevicesDisconnected reports identifiers that vanished since the
	// previous enumeration. Never called with an empty set.
	DevicesDisconnected(ids []string)

	// SessionLog forwards one line of output from a mirroring process.
	// runID distinguishes successive sessions for the same device.
	SessionLog(deviceID, runID, line string)

	// SessionEnded reports that a mirroring session terminated. exitCode
	// is nil when the process was killed or its status was unavailable.
	SessionEnded(deviceID, runID string, exitCode *int)

	// Diagnostic carries an operational message for display to the user.
	Diagnostic(msg string)
}

// Discard is a Sink that drops every event. Useful as a default and in
// tests that don't care about notifications.
type Discard struct{}

func (Discard) DevicesConnected(ids []string)                      {}
func (Discard) DevicesDisconnected(ids []string)                   {}
func (Discard) SessionLog(deviceID, runID, line string)            {}
func (Discard) SessionEnded(deviceID, runID string, exitCode *int) {}
func (Discard) Diagnostic(msg string)                              {}
