package ws

// MessageType names the wire events pushed to frontend clients. The
// device/session names match the events the desktop frontend listens for.
type MessageType string

const (
	MsgSnapshot           MessageType = "snapshot"
	MsgDeviceConnected    MessageType = "device-connected"
	MsgDeviceDisconnected MessageType = "device-disconnected"
	MsgSessionLog         MessageType = "session-log"
	MsgSessionEnded       MessageType = "session-ended"
	MsgDiagnostic         MessageType = "diagnostic"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries the full current state: visible devices and
// devices with a running mirroring session. Sent to new clients and
// periodically as a resync point.
type SnapshotPayload struct {
	Devices  []string `json:"devices"`
	Sessions []string `json:"sessions"`
}

type DevicesPayload struct {
	Devices []string `json:"devices"`
}

type SessionLogPayload struct {
	DeviceID string `json:"deviceId"`
	RunID    string `json:"runId"`
	Line     string `json:"line"`
}

type SessionEndedPayload struct {
	DeviceID string `json:"deviceId"`
	RunID    string `json:"runId"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

type DiagnosticPayload struct {
	Message string `json:"message"`
}
