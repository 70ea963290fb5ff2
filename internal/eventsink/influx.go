package eventsink

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"edgefleet-server/internal/model"
)

type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx writes one point per accepted event. The measurement is the event
// kind; device, camera and tenant are tags.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInflux(o InfluxOptions) *Influx {
	client := influxdb2.NewClient(o.URL, o.Token)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(o.Org, o.Bucket),
	}
}

func (i *Influx) Publish(ctx context.Context, ev model.Event) error {
	return i.writeAPI.WritePoint(ctx, EventPoint(ev))
}

func (i *Influx) Close() {
	if i != nil && i.client != nil {
		i.client.Close()
	}
}

func EventPoint(ev model.Event) *write.Point {
	tags := map[string]string{
		"tenantId": ev.TenantID,
		"deviceId": ev.DeviceID,
		"cameraId": ev.CameraID,
	}
	fields := map[string]interface{}{
		"seq":     ev.Seq,
		"eventId": ev.ID,
	}

	switch {
	case ev.Detection != nil:
		tags["objectClass"] = ev.Detection.ObjectClass
		fields["confidence"] = ev.Detection.Confidence
	case ev.Zone != nil:
		tags["zoneId"] = ev.Zone.ZoneID
		tags["eventType"] = ev.Zone.EventType
		if ev.Zone.ObjectClass != "" {
			tags["objectClass"] = ev.Zone.ObjectClass
		}
		fields["count"] = 1
	case ev.Alert != nil:
		tags["alertType"] = ev.Alert.AlertType
		if ev.Alert.Severity != "" {
			tags["severity"] = ev.Alert.Severity
		}
		if ev.Alert.ClipRef != "" {
			fields["clipRef"] = ev.Alert.ClipRef
		}
	}

	return write.NewPoint(string(ev.Kind), tags, fields, ev.DeviceTime)
}
