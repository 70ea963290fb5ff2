package eventsink

import (
	"encoding/json"
	"testing"
	"time"

	"edgefleet-server/internal/ingest"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

func sampleDetection() model.Event {
	return model.Event{
		ID:         "ev-1",
		TenantID:   "acme",
		DeviceID:   "edge-1",
		CameraID:   "cam-1",
		Kind:       model.EventDetection,
		Seq:        42,
		DeviceTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
		Detection:  &model.Detection{ObjectClass: "person", Confidence: 0.9},
	}
}

func header(headers map[string]string, key string) string { return headers[key] }

func TestEventMessage(t *testing.T) {
	ev := sampleDetection()
	msg, err := EventMessage(ev)
	if err != nil {
		t.Fatalf("EventMessage: %v", err)
	}
	if string(msg.Key) != "edge-1" {
		t.Fatalf("messages must be keyed by device, got %q", msg.Key)
	}
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if header(headers, "tenantId") != "acme" || header(headers, "kind") != "detection" || header(headers, "eventId") != "ev-1" {
		t.Fatalf("unexpected headers %v", headers)
	}

	var decoded model.Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.ID != ev.ID || decoded.Detection == nil || decoded.Detection.ObjectClass != "person" {
		t.Fatalf("unexpected value %+v", decoded)
	}
}

func TestRejectMessage(t *testing.T) {
	msg, err := RejectMessage(ingest.Rejection{
		TenantID: "acme",
		DeviceID: "edge-1",
		Reason:   "confidence out of range",
		Frame:    protocol.Frame{Type: protocol.TypeDetection, CameraID: "cam-1", Seq: 3},
	})
	if err != nil {
		t.Fatalf("RejectMessage: %v", err)
	}
	if string(msg.Key) != "edge-1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["reason"] != "confidence out of range" {
		t.Fatalf("unexpected value %v", decoded)
	}
	frame, _ := decoded["frame"].(map[string]any)
	if frame["cameraId"] != "cam-1" {
		t.Fatalf("original frame must be kept, got %v", frame)
	}
}

func TestEventPoint(t *testing.T) {
	p := EventPoint(sampleDetection())
	if p.Name() != "detection" {
		t.Fatalf("unexpected measurement %q", p.Name())
	}
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["deviceId"] != "edge-1" || tags["cameraId"] != "cam-1" || tags["objectClass"] != "person" {
		t.Fatalf("unexpected tags %v", tags)
	}
	fields := make(map[string]any)
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["confidence"] != 0.9 {
		t.Fatalf("unexpected confidence field %v", fields["confidence"])
	}
	if !p.Time().Equal(sampleDetection().DeviceTime) {
		t.Fatalf("point must use device time, got %s", p.Time())
	}
}

func TestEventPoint_Alert(t *testing.T) {
	ev := sampleDetection()
	ev.Kind = model.EventAlert
	ev.Detection = nil
	ev.Alert = &model.Alert{AlertType: "intrusion", Severity: "high", ClipRef: "clip-9"}

	p := EventPoint(ev)
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if p.Name() != "alert" || tags["alertType"] != "intrusion" || tags["severity"] != "high" {
		t.Fatalf("unexpected point %s %v", p.Name(), tags)
	}
}
