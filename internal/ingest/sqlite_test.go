package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(context.Background(), SQLiteOptions{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	return s
}

func alertFrame(seq int64, ts time.Time) protocol.Frame {
	return protocol.Frame{Type: protocol.TypeAlert, CameraID: "cam-1", Seq: seq, TS: protocol.Timestamp(ts), AlertType: "loitering", Severity: "high"}
}

func zoneFrame(seq int64, ts time.Time, zone, eventType string) protocol.Frame {
	return protocol.Frame{Type: protocol.TypeZoneEvent, CameraID: "cam-1", Seq: seq, TS: protocol.Timestamp(ts), ZoneID: zone, EventType: eventType}
}

func TestSQLiteStore_DedupSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	store := openSQLite(t, path)
	if r := mustIngest(t, newTestPipeline(Options{Store: store}), detection(5, baseTime)); r.Outcome != Accepted {
		t.Fatalf("first ingest = %+v", r)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openSQLite(t, path)
	defer reopened.Close()
	sink := &captureSink{}
	notifier := &countingNotifier{count: make(map[string]int)}
	p := newTestPipeline(Options{Store: reopened, Sinks: []Sink{sink}, Notifier: notifier})

	if r := mustIngest(t, p, detection(5, baseTime)); r.Outcome != Duplicate {
		t.Fatalf("replay after restart = %+v, want duplicate", r)
	}
	if r := mustIngest(t, p, detection(4, baseTime)); r.Outcome != Duplicate {
		t.Fatalf("older seq after restart = %+v, want duplicate", r)
	}
	if len(sink.events) != 0 {
		t.Fatalf("duplicates must not be republished, got %d", len(sink.events))
	}
	if r := mustIngest(t, p, detection(6, baseTime)); r.Outcome != Accepted || r.GapFlagged {
		t.Fatalf("next seq after restart = %+v", r)
	}
	all, err := p.Query(context.Background(), Query{TenantID: "acme"})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 stored events, got %d, %v", len(all), err)
	}
	if all[0].Seq != 6 || all[1].Seq != 5 {
		t.Fatalf("query must return newest first, got seqs %d, %d", all[0].Seq, all[1].Seq)
	}
}

func TestSQLiteStore_AcknowledgementSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store := openSQLite(t, path)
	p := newTestPipeline(Options{Store: store})
	alert := mustIngest(t, p, alertFrame(1, baseTime))
	if _, err := p.AcknowledgeAlert(ctx, alert.EventID, "op-1"); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}
	store.Close()

	reopened := openSQLite(t, path)
	defer reopened.Close()
	rec, err := reopened.Get(ctx, alert.EventID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Ack == nil || rec.Ack.AcknowledgedBy != "op-1" || !rec.Ack.AcknowledgedAt.Equal(baseTime) {
		t.Fatalf("unexpected ack after restart %+v", rec.Ack)
	}
	if rec.Alert == nil || rec.Alert.AlertType != "loitering" || !rec.DeviceTime.Equal(baseTime) {
		t.Fatalf("event body not restored: %+v", rec.Event)
	}
	again, _ := reopened.Acknowledge(ctx, model.AlertAck{AlertID: alert.EventID, AcknowledgedBy: "op-2", AcknowledgedAt: baseTime})
	if again.Ack.AcknowledgedBy != "op-1" {
		t.Fatal("second acknowledgement must keep the first")
	}
}

// Both stores must answer the operator queries the same way.
func TestStores_AlertsAndAnalytics(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s := openSQLite(t, filepath.Join(t.TempDir(), "events.db"))
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newTestPipeline(Options{Store: open(t)})

			hour := baseTime.Add(-2 * time.Hour).Truncate(time.Hour)
			car := detection(3, hour.Add(40*time.Minute))
			car.ObjectClass = "car"
			for _, f := range []protocol.Frame{
				detection(1, hour.Add(5*time.Minute)),
				detection(2, hour.Add(10*time.Minute)),
				car,
				detection(4, hour.Add(70*time.Minute)),
				zoneFrame(1, hour, "dock", "enter"),
				zoneFrame(2, hour.Add(time.Minute), "dock", "enter"),
				zoneFrame(3, hour.Add(2*time.Minute), "gate", "exit"),
				alertFrame(1, hour),
				alertFrame(2, hour.Add(time.Minute)),
				alertFrame(3, hour.Add(2*time.Minute)),
			} {
				if r := mustIngest(t, p, f); r.Outcome != Accepted {
					t.Fatalf("ingest %s seq %d = %+v", f.Type, f.Seq, r)
				}
			}
			foreign := model.Device{ID: "edge-9", TenantID: "globex", State: model.DeviceOnline}
			if _, err := p.Ingest(ctx, foreign, alertFrame(1, hour)); err != nil {
				t.Fatalf("Ingest: %v", err)
			}

			if n, err := p.UnacknowledgedCount(ctx, "acme"); err != nil || n != 3 {
				t.Fatalf("UnacknowledgedCount = %d, %v", n, err)
			}
			alerts, _ := p.Query(ctx, Query{TenantID: "acme", Kind: model.EventAlert})
			if _, err := p.AcknowledgeAlert(ctx, alerts[0].ID, "op-1"); err != nil {
				t.Fatalf("AcknowledgeAlert: %v", err)
			}
			n, err := p.AcknowledgeAll(ctx, "acme", "op-2")
			if err != nil || n != 2 {
				t.Fatalf("AcknowledgeAll = %d, %v, want 2", n, err)
			}
			if n, _ := p.UnacknowledgedCount(ctx, "acme"); n != 0 {
				t.Fatalf("open alerts after AcknowledgeAll = %d", n)
			}
			if n, _ := p.UnacknowledgedCount(ctx, "globex"); n != 1 {
				t.Fatalf("other tenant's alert must stay open, got %d open", n)
			}

			counts, err := p.DetectionCounts(ctx, Query{TenantID: "acme", Since: hour, Until: hour.Add(2 * time.Hour)}, time.Hour)
			if err != nil {
				t.Fatalf("DetectionCounts: %v", err)
			}
			want := []DetectionCount{
				{Period: hour, ObjectClass: "car", Count: 1},
				{Period: hour, ObjectClass: "person", Count: 2},
				{Period: hour.Add(time.Hour), ObjectClass: "person", Count: 1},
			}
			if len(counts) != len(want) {
				t.Fatalf("DetectionCounts = %+v", counts)
			}
			for i := range want {
				if !counts[i].Period.Equal(want[i].Period) || counts[i].ObjectClass != want[i].ObjectClass || counts[i].Count != want[i].Count {
					t.Fatalf("DetectionCounts[%d] = %+v, want %+v", i, counts[i], want[i])
				}
			}
			early, _ := p.DetectionCounts(ctx, Query{TenantID: "acme", Until: hour.Add(30 * time.Minute)}, time.Hour)
			if len(early) != 1 || early[0].Count != 2 {
				t.Fatalf("window must bound the counts, got %+v", early)
			}

			zones, err := p.ZoneActivity(ctx, Query{TenantID: "acme"})
			if err != nil {
				t.Fatalf("ZoneActivity: %v", err)
			}
			if len(zones) != 2 || zones[0] != (ZoneActivity{ZoneID: "dock", EventType: "enter", Count: 2}) ||
				zones[1] != (ZoneActivity{ZoneID: "gate", EventType: "exit", Count: 1}) {
				t.Fatalf("ZoneActivity = %+v", zones)
			}
		})
	}
}
