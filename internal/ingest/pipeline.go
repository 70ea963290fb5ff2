// Package ingest validates, deduplicates and persists the event streams that
// devices push over their sessions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"edgefleet-server/internal/activity"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/notify"
	"edgefleet-server/internal/protocol"
)

type Outcome string

const (
	Accepted  Outcome = "accepted"
	Duplicate Outcome = "duplicate"
	Rejected  Outcome = "rejected"
)

type Result struct {
	Outcome    Outcome `json:"outcome"`
	EventID    string  `json:"eventId,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	GapFlagged bool    `json:"gapFlagged,omitempty"`
}

// Sink receives every accepted event after it has been persisted.
type Sink interface {
	Publish(ctx context.Context, ev model.Event) error
}

type Rejection struct {
	TenantID   string         `json:"tenantId"`
	DeviceID   string         `json:"deviceId"`
	Reason     string         `json:"reason"`
	Frame      protocol.Frame `json:"frame"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type RejectSink interface {
	Reject(ctx context.Context, r Rejection) error
}

const DefaultNotifyTimeout = 10 * time.Second

// ackBatchSize bounds each query of AcknowledgeAll.
const ackBatchSize = 500

type Options struct {
	Store    Store
	Sinks    []Sink
	Rejects  RejectSink
	Notifier notify.Notifier
	Claims   notify.Claims
	Activity activity.Recorder

	MaxSequenceGap int64
	MaxClockSkew   time.Duration
	NotifyTimeout  time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

type watermark struct {
	seq        int64
	deviceTime time.Time
}

// deviceStreams holds the watermarks of one device. Watermarks are loaded
// from the store the first time a stream is seen.
type deviceStreams struct {
	mu    sync.Mutex
	marks map[model.StreamKey]watermark
}

type Pipeline struct {
	store    Store
	sinks    []Sink
	rejects  RejectSink
	notifier notify.Notifier
	claims   notify.Claims
	activity activity.Recorder

	maxGap        int64
	maxSkew       time.Duration
	notifyTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceStreams

	notifying sync.WaitGroup
}

func New(opts Options) *Pipeline {
	p := &Pipeline{
		store:         opts.Store,
		sinks:         opts.Sinks,
		rejects:       opts.Rejects,
		notifier:      opts.Notifier,
		claims:        opts.Claims,
		activity:      opts.Activity,
		maxGap:        opts.MaxSequenceGap,
		maxSkew:       opts.MaxClockSkew,
		notifyTimeout: opts.NotifyTimeout,
		logger:        logging.OrDiscard(opts.Logger).With("component", "ingest"),
		now:           opts.Now,
		devices:       make(map[string]*deviceStreams),
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	if p.claims == nil {
		p.claims = notify.NewMemoryClaims()
	}
	if p.notifyTimeout <= 0 {
		p.notifyTimeout = DefaultNotifyTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Ingest processes one event frame from an authenticated device. Rejections
// are reported through the Result; the returned error is reserved for store
// failures, in which case the watermark is left untouched so a resend is
// accepted.
func (p *Pipeline) Ingest(ctx context.Context, dev model.Device, f protocol.Frame) (Result, error) {
	received := p.now().UTC()

	ev, reason := p.toEvent(dev, f, received)
	if reason != "" {
		return p.reject(ctx, dev, f, reason, received), nil
	}

	streams := p.streams(dev.ID)
	streams.mu.Lock()
	defer streams.mu.Unlock()

	key := ev.Stream()
	mark, seen, err := p.watermark(ctx, streams, key)
	if err != nil {
		return Result{}, err
	}

	if seen && ev.Seq <= mark.seq {
		return Result{Outcome: Duplicate, EventID: ev.ID}, nil
	}
	if seen && p.maxSkew > 0 && ev.DeviceTime.Before(mark.deviceTime.Add(-p.maxSkew)) {
		return p.reject(ctx, dev, f, "timestamp regressed beyond tolerance", received), nil
	}

	jump := ev.Seq - mark.seq
	gap := seen && p.maxGap > 0 && jump > p.maxGap

	if err := p.store.Append(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("append event: %w", err)
	}
	if !seen || ev.DeviceTime.After(mark.deviceTime) {
		mark.deviceTime = ev.DeviceTime
	}
	mark.seq = ev.Seq
	streams.marks[key] = mark

	if gap {
		p.recordActivity(model.Activity{
			TenantID: dev.TenantID,
			DeviceID: dev.ID,
			Type:     model.ActivitySequenceGap,
			Message:  fmt.Sprintf("possible event loss on %s: sequence jumped by %d", key, jump),
			Ref:      ev.ID,
		})
	}

	p.publish(ctx, ev)
	if ev.Kind == model.EventAlert {
		p.notifyOnce(ctx, ev)
	}

	return Result{Outcome: Accepted, EventID: ev.ID, GapFlagged: gap}, nil
}

// IngestBatch ingests each nested frame independently, in order. A failure
// of one event never prevents the rest from being processed.
func (p *Pipeline) IngestBatch(ctx context.Context, dev model.Device, frames []protocol.Frame) ([]Result, error) {
	results := make([]Result, 0, len(frames))
	var errs []error
	for _, f := range frames {
		if f.Type == protocol.TypeBatch {
			results = append(results, p.reject(ctx, dev, f, "nested batch", p.now().UTC()))
			continue
		}
		r, err := p.Ingest(ctx, dev, f)
		if err != nil {
			errs = append(errs, err)
			r = Result{Outcome: Rejected, Reason: "store unavailable"}
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (p *Pipeline) Query(ctx context.Context, q Query) ([]Record, error) {
	return p.store.Query(ctx, q)
}

func (p *Pipeline) Get(ctx context.Context, id string) (Record, error) {
	return p.store.Get(ctx, id)
}

func (p *Pipeline) AcknowledgeAlert(ctx context.Context, alertID, by string) (Record, error) {
	return p.store.Acknowledge(ctx, model.AlertAck{
		AlertID:        alertID,
		AcknowledgedBy: by,
		AcknowledgedAt: p.now().UTC(),
	})
}

// AcknowledgeAll acknowledges every open alert of the tenant, or of all
// tenants when tenantID is empty, and reports how many it acknowledged.
func (p *Pipeline) AcknowledgeAll(ctx context.Context, tenantID, by string) (int, error) {
	open := false
	at := p.now().UTC()
	count := 0
	for {
		batch, err := p.store.Query(ctx, Query{TenantID: tenantID, Kind: model.EventAlert, Acknowledged: &open, Limit: ackBatchSize})
		if err != nil {
			return count, err
		}
		if len(batch) == 0 {
			break
		}
		for _, r := range batch {
			rec, err := p.store.Acknowledge(ctx, model.AlertAck{AlertID: r.ID, AcknowledgedBy: by, AcknowledgedAt: at})
			if err != nil {
				return count, fmt.Errorf("acknowledge %s: %w", r.ID, err)
			}
			if rec.Ack != nil && rec.Ack.AcknowledgedBy == by && rec.Ack.AcknowledgedAt.Equal(at) {
				count++
			}
		}
	}
	p.logger.Info("alerts acknowledged", "tenantId", tenantID, "by", by, "count", count)
	return count, nil
}

func (p *Pipeline) UnacknowledgedCount(ctx context.Context, tenantID string) (int, error) {
	open := false
	return p.store.Count(ctx, Query{TenantID: tenantID, Kind: model.EventAlert, Acknowledged: &open})
}

func (p *Pipeline) DetectionCounts(ctx context.Context, q Query, period time.Duration) ([]DetectionCount, error) {
	return p.store.DetectionCounts(ctx, q, period)
}

func (p *Pipeline) ZoneActivity(ctx context.Context, q Query) ([]ZoneActivity, error) {
	return p.store.ZoneActivity(ctx, q)
}

// Wait blocks until in-flight alert notifications have finished.
func (p *Pipeline) Wait() {
	p.notifying.Wait()
}

func (p *Pipeline) streams(deviceID string) *deviceStreams {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.devices[deviceID]
	if !ok {
		s = &deviceStreams{marks: make(map[model.StreamKey]watermark)}
		p.devices[deviceID] = s
	}
	return s
}

func (p *Pipeline) watermark(ctx context.Context, s *deviceStreams, key model.StreamKey) (watermark, bool, error) {
	if m, ok := s.marks[key]; ok {
		return m, true, nil
	}
	last, ok, err := p.store.Last(ctx, key)
	if err != nil {
		return watermark{}, false, fmt.Errorf("load watermark for %s: %w", key, err)
	}
	if !ok {
		return watermark{}, false, nil
	}
	m := watermark{seq: last.Seq, deviceTime: last.DeviceTime}
	s.marks[key] = m
	return m, true, nil
}

func (p *Pipeline) toEvent(dev model.Device, f protocol.Frame, received time.Time) (model.Event, string) {
	kind := model.EventKind(f.Type)
	if !kind.Valid() {
		return model.Event{}, fmt.Sprintf("unsupported event type %q", f.Type)
	}
	if f.CameraID == "" {
		return model.Event{}, "missing cameraId"
	}
	if f.Seq < 1 {
		return model.Event{}, "seq must be positive"
	}
	if f.TS == nil || f.TS.IsZero() {
		return model.Event{}, "missing ts"
	}
	if p.maxSkew > 0 && f.TS.After(received.Add(p.maxSkew)) {
		return model.Event{}, "timestamp too far in the future"
	}

	ev := model.Event{
		TenantID:   dev.TenantID,
		DeviceID:   dev.ID,
		CameraID:   f.CameraID,
		Kind:       kind,
		Seq:        f.Seq,
		DeviceTime: f.TS.UTC(),
		ReceivedAt: received,
	}
	ev.ID = model.EventID(ev.Stream(), ev.Seq)

	switch kind {
	case model.EventDetection:
		if f.ObjectClass == "" {
			return model.Event{}, "missing objectClass"
		}
		if f.Confidence == nil {
			return model.Event{}, "missing confidence"
		}
		c := *f.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return model.Event{}, "confidence out of range"
		}
		if f.BBox != nil && len(f.BBox) != 4 {
			return model.Event{}, "bbox must have 4 coordinates"
		}
		ev.Detection = &model.Detection{ObjectClass: f.ObjectClass, Confidence: c, BBox: f.BBox}
	case model.EventZone:
		if f.ZoneID == "" || f.EventType == "" {
			return model.Event{}, "missing zoneId or eventType"
		}
		ev.Zone = &model.ZoneEvent{ZoneID: f.ZoneID, EventType: f.EventType, ObjectClass: f.ObjectClass}
	case model.EventAlert:
		if f.AlertType == "" {
			return model.Event{}, "missing alertType"
		}
		ev.Alert = &model.Alert{AlertType: f.AlertType, Severity: f.Severity, ClipRef: f.ClipRef}
	}
	return ev, ""
}

func (p *Pipeline) reject(ctx context.Context, dev model.Device, f protocol.Frame, reason string, received time.Time) Result {
	p.logger.Warn("event rejected",
		"deviceId", dev.ID,
		"type", f.Type,
		"cameraId", f.CameraID,
		"seq", f.Seq,
		"reason", reason,
	)
	if p.rejects != nil {
		err := p.rejects.Reject(ctx, Rejection{
			TenantID:   dev.TenantID,
			DeviceID:   dev.ID,
			Reason:     reason,
			Frame:      f,
			ReceivedAt: received,
		})
		if err != nil {
			p.logger.Error("dead-letter write failed", "deviceId", dev.ID, "error", err)
		}
	}
	p.recordActivity(model.Activity{
		TenantID: dev.TenantID,
		DeviceID: dev.ID,
		Type:     model.ActivityEventRejected,
		Message:  fmt.Sprintf("%s event rejected: %s", f.Type, reason),
	})
	return Result{Outcome: Rejected, Reason: reason}
}

func (p *Pipeline) publish(ctx context.Context, ev model.Event) {
	for _, s := range p.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			p.logger.Error("event sink publish failed", "eventId", ev.ID, "error", err)
		}
	}
}

// notifyOnce claims the alert id before notifying, so a replayed alert is
// never sent twice, even if the first attempt failed.
func (p *Pipeline) notifyOnce(ctx context.Context, ev model.Event) {
	if p.notifier == nil {
		return
	}
	claimed, err := p.claims.Claim(ctx, ev.ID)
	if err != nil {
		p.logger.Error("alert claim failed", "alertId", ev.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	p.notifying.Add(1)
	go func() {
		defer p.notifying.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
		defer cancel()
		if err := p.notifier.Notify(nctx, ev); err != nil {
			p.logger.Error("alert notification failed", "alertId", ev.ID, "error", err)
		}
	}()
}

func (p *Pipeline) recordActivity(a model.Activity) {
	if p.activity != nil {
		p.activity.Record(a)
	}
}
