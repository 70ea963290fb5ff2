package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventDetection EventKind = "detection"
	EventZone      EventKind = "zone_event"
	EventAlert     EventKind = "alert"
)

func (k EventKind) Valid() bool {
	return k == EventDetection || k == EventZone || k == EventAlert
}

type Detection struct {
	ObjectClass string    `json:"objectClass"`
	Confidence  float64   `json:"confidence"`
	BBox        []float64 `json:"bbox,omitempty"`
}

type ZoneEvent struct {
	ZoneID      string `json:"zoneId"`
	EventType   string `json:"eventType"`
	ObjectClass string `json:"objectClass,omitempty"`
}

type Alert struct {
	AlertType string `json:"alertType"`
	Severity  string `json:"severity"`
	ClipRef   string `json:"clipRef,omitempty"`
}

// Event is immutable once persisted. Exactly one of Detection, Zone or
// Alert is set, matching Kind.
type Event struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	DeviceID   string     `json:"deviceId"`
	CameraID   string     `json:"cameraId"`
	Kind       EventKind  `json:"kind"`
	Seq        int64      `json:"seq"`
	DeviceTime time.Time  `json:"deviceTime"`
	ReceivedAt time.Time  `json:"receivedAt"`
	Detection  *Detection `json:"detection,omitempty"`
	Zone       *ZoneEvent `json:"zone,omitempty"`
	Alert      *Alert     `json:"alert,omitempty"`
}

type StreamKey struct {
	DeviceID string
	CameraID string
	Kind     EventKind
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DeviceID, k.CameraID, k.Kind)
}

func (e Event) Stream() StreamKey {
	return StreamKey{DeviceID: e.DeviceID, CameraID: e.CameraID, Kind: e.Kind}
}

var eventNamespace = uuid.MustParse("5f0c3a8e-6a4b-4c1e-9a53-0d2f7c1be4a1")

// EventID derives the id from the deduplication identity, so a replayed
// event always maps to the same id.
func EventID(stream StreamKey, seq int64) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%s/%d", stream, seq))).String()
}

type AlertAck struct {
	AlertID        string    `json:"alertId"`
	AcknowledgedBy string    `json:"acknowledgedBy"`
	AcknowledgedAt time.Time `json:"acknowledgedAt"`
}
