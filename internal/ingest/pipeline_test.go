package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

var (
	testDevice = model.Device{ID: "edge-1", TenantID: "acme", State: model.DeviceOnline}
	baseTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recorder struct {
	mu      sync.Mutex
	entries []model.Activity
}

func (r *recorder) Record(a model.Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, a)
}

func (r *recorder) ofType(t model.ActivityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.entries {
		if a.Type == t {
			n++
		}
	}
	return n
}

type captureSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *captureSink) Publish(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type captureRejects struct {
	mu   sync.Mutex
	seen []Rejection
}

func (s *captureRejects) Reject(_ context.Context, r Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, r)
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	count map[string]int
}

func (n *countingNotifier) Notify(_ context.Context, ev model.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count[ev.ID]++
	return errors.New("smtp down")
}

func newTestPipeline(opts Options) *Pipeline {
	if opts.MaxSequenceGap == 0 {
		opts.MaxSequenceGap = 100
	}
	if opts.MaxClockSkew == 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	opts.Now = func() time.Time { return baseTime }
	return New(opts)
}

func detection(seq int64, ts time.Time) protocol.Frame {
	c := 0.87
	return protocol.Frame{
		Type:        protocol.TypeDetection,
		CameraID:    "cam-1",
		Seq:         seq,
		TS:          protocol.Timestamp(ts),
		ObjectClass: "person",
		Confidence:  &c,
		BBox:        []float64{0.1, 0.2, 0.3, 0.4},
	}
}

func mustIngest(t *testing.T, p *Pipeline, f protocol.Frame) Result {
	t.Helper()
	r, err := p.Ingest(context.Background(), testDevice, f)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return r
}

func TestIngest_AcceptsAndDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	sink := &captureSink{}
	p := newTestPipeline(Options{Store: store, Sinks: []Sink{sink}})

	first := mustIngest(t, p, detection(1, baseTime))
	if first.Outcome != Accepted || first.EventID == "" {
		t.Fatalf("unexpected result %+v", first)
	}
	replay := mustIngest(t, p, detection(1, baseTime))
	if replay.Outcome != Duplicate || replay.EventID != first.EventID {
		t.Fatalf("replay must be duplicate with the same id, got %+v", replay)
	}

	records, _ := store.Query(context.Background(), Query{})
	if len(records) != 1 {
		t.Fatalf("expected exactly one persisted record, got %d", len(records))
	}
	if len(sink.events) != 1 {
		t.Fatalf("duplicates must not be published, got %d", len(sink.events))
	}
	if got := records[0]; got.TenantID != "acme" || got.Detection == nil || got.Detection.ObjectClass != "person" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestIngest_OutOfOrderBelowWatermarkIsDuplicate(t *testing.T) {
	store := NewMemoryStore()
	p := newTestPipeline(Options{Store: store})

	if r := mustIngest(t, p, detection(10, baseTime)); r.Outcome != Accepted {
		t.Fatalf("seq 10: %+v", r)
	}
	if r := mustIngest(t, p, detection(9, baseTime.Add(-time.Second))); r.Outcome != Duplicate {
		t.Fatalf("seq 9 behind watermark 10 must be duplicate, got %+v", r)
	}
	if r := mustIngest(t, p, detection(11, baseTime)); r.Outcome != Accepted {
		t.Fatalf("seq 11: %+v", r)
	}
}

func TestIngest_StreamsAreIndependent(t *testing.T) {
	p := newTestPipeline(Options{})

	mustIngest(t, p, detection(5, baseTime))

	other := detection(1, baseTime)
	other.CameraID = "cam-2"
	if r := mustIngest(t, p, other); r.Outcome != Accepted {
		t.Fatalf("another camera has its own watermark, got %+v", r)
	}

	zone := protocol.Frame{
		Type:      protocol.TypeZoneEvent,
		CameraID:  "cam-1",
		Seq:       1,
		TS:        protocol.Timestamp(baseTime),
		ZoneID:    "dock",
		EventType: "enter",
	}
	if r := mustIngest(t, p, zone); r.Outcome != Accepted {
		t.Fatalf("another kind has its own watermark, got %+v", r)
	}
}

func TestIngest_WatermarkReloadedFromStore(t *testing.T) {
	store := NewMemoryStore()
	mustIngest(t, newTestPipeline(Options{Store: store}), detection(3, baseTime))

	restarted := newTestPipeline(Options{Store: store})
	if r := mustIngest(t, restarted, detection(3, baseTime)); r.Outcome != Duplicate {
		t.Fatalf("watermark must be reloaded from the store, got %+v", r)
	}
}

func TestIngest_GapIsAcceptedAndFlagged(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(Options{Activity: rec, MaxSequenceGap: 10})

	mustIngest(t, p, detection(1, baseTime))
	r := mustIngest(t, p, detection(50, baseTime))
	if r.Outcome != Accepted || !r.GapFlagged {
		t.Fatalf("expected accepted and flagged, got %+v", r)
	}
	if rec.ofType(model.ActivitySequenceGap) != 1 {
		t.Fatal("gap must surface in the activity feed")
	}
	if r := mustIngest(t, p, detection(51, baseTime)); r.GapFlagged {
		t.Fatal("contiguous event must not be flagged")
	}
}

func TestIngest_Rejections(t *testing.T) {
	conf := func(v float64) *float64 { return &v }

	cases := []struct {
		name  string
		frame func() protocol.Frame
	}{
		{"missing camera", func() protocol.Frame { f := detection(1, baseTime); f.CameraID = ""; return f }},
		{"zero seq", func() protocol.Frame { return detection(0, baseTime) }},
		{"missing ts", func() protocol.Frame { f := detection(1, baseTime); f.TS = nil; return f }},
		{"confidence above one", func() protocol.Frame { f := detection(1, baseTime); f.Confidence = conf(1.2); return f }},
		{"negative confidence", func() protocol.Frame { f := detection(1, baseTime); f.Confidence = conf(-0.1); return f }},
		{"missing confidence", func() protocol.Frame { f := detection(1, baseTime); f.Confidence = nil; return f }},
		{"short bbox", func() protocol.Frame { f := detection(1, baseTime); f.BBox = []float64{1, 2}; return f }},
		{"future ts", func() protocol.Frame { return detection(1, baseTime.Add(time.Hour)) }},
		{"zone without id", func() protocol.Frame {
			return protocol.Frame{Type: protocol.TypeZoneEvent, CameraID: "cam-1", Seq: 1, TS: protocol.Timestamp(baseTime), EventType: "enter"}
		}},
		{"alert without type", func() protocol.Frame {
			return protocol.Frame{Type: protocol.TypeAlert, CameraID: "cam-1", Seq: 1, TS: protocol.Timestamp(baseTime)}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rejects := &captureRejects{}
			rec := &recorder{}
			p := newTestPipeline(Options{Rejects: rejects, Activity: rec})

			r := mustIngest(t, p, tc.frame())
			if r.Outcome != Rejected || r.Reason == "" {
				t.Fatalf("expected rejection with reason, got %+v", r)
			}
			if len(rejects.seen) != 1 || rejects.seen[0].DeviceID != "edge-1" {
				t.Fatalf("rejection must be dead-lettered, got %+v", rejects.seen)
			}
			if rec.ofType(model.ActivityEventRejected) != 1 {
				t.Fatal("rejection must be recorded")
			}
		})
	}
}

func TestIngest_TimestampRegressionBeyondSkew(t *testing.T) {
	p := newTestPipeline(Options{})

	mustIngest(t, p, detection(1, baseTime))
	r := mustIngest(t, p, detection(2, baseTime.Add(-10*time.Minute)))
	if r.Outcome != Rejected {
		t.Fatalf("expected regression to be rejected, got %+v", r)
	}
	if r := mustIngest(t, p, detection(2, baseTime.Add(-time.Minute))); r.Outcome != Accepted {
		t.Fatalf("regression within tolerance must be accepted, got %+v", r)
	}
}

func TestIngest_AlertNotifiedOnce(t *testing.T) {
	n := &countingNotifier{count: make(map[string]int)}
	store := NewMemoryStore()
	p := newTestPipeline(Options{Store: store, Notifier: n})

	alert := protocol.Frame{
		Type:      protocol.TypeAlert,
		CameraID:  "cam-1",
		Seq:       1,
		TS:        protocol.Timestamp(baseTime),
		AlertType: "intrusion",
		Severity:  "high",
	}
	r := mustIngest(t, p, alert)
	p.Wait()

	// a restarted pipeline sharing the claim set must not renotify
	restarted := newTestPipeline(Options{Store: NewMemoryStore(), Notifier: n, Claims: p.claims})
	mustIngest(t, restarted, alert)
	mustIngest(t, p, alert)
	restarted.Wait()
	p.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.count[r.EventID] != 1 {
		t.Fatalf("expected exactly one notification, got %d", n.count[r.EventID])
	}
}

func TestIngestBatch(t *testing.T) {
	p := newTestPipeline(Options{})

	bad := detection(3, baseTime)
	bad.ObjectClass = ""
	results, err := p.IngestBatch(context.Background(), testDevice, []protocol.Frame{
		detection(1, baseTime),
		detection(2, baseTime),
		bad,
		detection(2, baseTime),
		{Type: protocol.TypeBatch},
		detection(4, baseTime),
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	want := []Outcome{Accepted, Accepted, Rejected, Duplicate, Rejected, Accepted}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, w := range want {
		if results[i].Outcome != w {
			t.Fatalf("result %d: expected %s, got %+v", i, w, results[i])
		}
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, model.Event) error { return errors.New("disk full") }

func TestIngest_StoreFailureKeepsWatermark(t *testing.T) {
	p := newTestPipeline(Options{Store: failingStore{NewMemoryStore()}})
	if _, err := p.Ingest(context.Background(), testDevice, detection(1, baseTime)); err == nil {
		t.Fatal("expected store error")
	}

	p.store = NewMemoryStore()
	if r := mustIngest(t, p, detection(1, baseTime)); r.Outcome != Accepted {
		t.Fatalf("resend after store failure must be accepted, got %+v", r)
	}
}

func TestQueryAndAcknowledge(t *testing.T) {
	p := newTestPipeline(Options{})
	ctx := context.Background()

	mustIngest(t, p, detection(1, baseTime))
	alert := mustIngest(t, p, protocol.Frame{
		Type:      protocol.TypeAlert,
		CameraID:  "cam-1",
		Seq:       1,
		TS:        protocol.Timestamp(baseTime),
		AlertType: "loitering",
	})

	alerts, _ := p.Query(ctx, Query{TenantID: "acme", Kind: model.EventAlert})
	if len(alerts) != 1 || alerts[0].ID != alert.EventID {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	unacked := false
	if open, _ := p.Query(ctx, Query{Kind: model.EventAlert, Acknowledged: &unacked}); len(open) != 1 {
		t.Fatalf("expected one open alert, got %d", len(open))
	}

	rec, err := p.AcknowledgeAlert(ctx, alert.EventID, "op-1")
	if err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	if rec.Ack == nil || rec.Ack.AcknowledgedBy != "op-1" {
		t.Fatalf("unexpected ack %+v", rec.Ack)
	}
	again, _ := p.AcknowledgeAlert(ctx, alert.EventID, "op-2")
	if again.Ack.AcknowledgedBy != "op-1" {
		t.Fatal("second acknowledgement must keep the first")
	}
	if open, _ := p.Query(ctx, Query{Kind: model.EventAlert, Acknowledged: &unacked}); len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}

	detections, _ := p.Query(ctx, Query{Kind: model.EventDetection})
	if _, err := p.AcknowledgeAlert(ctx, detections[0].ID, "op-1"); !errors.Is(err, ErrNotAlert) {
		t.Fatalf("expected ErrNotAlert, got %v", err)
	}
	if _, err := p.AcknowledgeAlert(ctx, "missing", "op-1"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if other, _ := p.Query(ctx, Query{TenantID: "globex"}); len(other) != 0 {
		t.Fatal("tenant filter must exclude other tenants")
	}
}
