// Package protocol defines the frames exchanged with edge devices over their
// session and the codecs used to put them on the wire.
package protocol

import "time"

const (
	// device -> cloud
	TypeAuth          = "auth"
	TypeDetection     = "detection"
	TypeZoneEvent     = "zone_event"
	TypeAlert         = "alert"
	TypeBatch         = "batch"
	TypeCommandAck    = "command_ack"
	TypeClipBegin     = "clip_begin"
	TypeClipChunk     = "clip_chunk"
	TypeClipFailed    = "clip_failed"
	TypePolicyApplied = "policy_applied"
	TypeStatus        = "status"
	TypePing          = "ping"

	// cloud -> device
	TypeAuthOK       = "auth_ok"
	TypeAuthError    = "auth_error"
	TypeCommand      = "command"
	TypePolicyUpdate = "policy_update"
	TypePong         = "pong"
	TypeError        = "error"
)

const (
	AckOK    = "ok"
	AckError = "error"
)

// Frame is the single envelope for every session message. Only the fields
// relevant to Type are populated.
type Frame struct {
	Type string `json:"type"`

	DeviceID             string `json:"deviceId,omitempty"`
	TenantID             string `json:"tenantId,omitempty"`
	Secret               string `json:"secret,omitempty"`
	AppliedPolicyVersion int64  `json:"appliedPolicyVersion,omitempty"`

	CameraID    string     `json:"cameraId,omitempty"`
	Seq         int64      `json:"seq,omitempty"`
	TS          *time.Time `json:"ts,omitempty"`
	ObjectClass string     `json:"objectClass,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	BBox        []float64  `json:"bbox,omitempty"`
	ZoneID      string     `json:"zoneId,omitempty"`
	EventType   string     `json:"eventType,omitempty"`
	AlertType   string     `json:"alertType,omitempty"`
	Severity    string     `json:"severity,omitempty"`
	ClipRef     string     `json:"clipRef,omitempty"`
	Events      []Frame    `json:"events,omitempty"`

	CommandID string         `json:"commandId,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    string         `json:"status,omitempty"`

	JobID    string     `json:"jobId,omitempty"`
	Offset   int64      `json:"offset,omitempty"`
	Bytes    []byte     `json:"bytes,omitempty"`
	Size     int64      `json:"size,omitempty"`
	Checksum string     `json:"checksum,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Reason   string     `json:"reason,omitempty"`

	Version int64          `json:"version,omitempty"`
	Params  map[string]any `json:"params,omitempty"`

	ServerTime *time.Time `json:"serverTime,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func Timestamp(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
