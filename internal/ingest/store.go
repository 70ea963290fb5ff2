package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"edgefleet-server/internal/model"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrNotAlert      = errors.New("event is not an alert")
)

// Record is a persisted event together with its acknowledgement, if any.
type Record struct {
	model.Event
	Ack *model.AlertAck `json:"ack,omitempty"`
}

type Query struct {
	TenantID     string
	DeviceID     string
	CameraID     string
	Kind         model.EventKind
	Since        time.Time
	Until        time.Time
	Acknowledged *bool
	Limit        int
}

func (q Query) matches(r Record) bool {
	if q.TenantID != "" && r.TenantID != q.TenantID {
		return false
	}
	if q.DeviceID != "" && r.DeviceID != q.DeviceID {
		return false
	}
	if q.CameraID != "" && r.CameraID != q.CameraID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if !q.Since.IsZero() && r.DeviceTime.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !r.DeviceTime.Before(q.Until) {
		return false
	}
	if q.Acknowledged != nil && (r.Ack != nil) != *q.Acknowledged {
		return false
	}
	return true
}

// DetectionCount is the number of detections of one object class that fall
// into one period.
type DetectionCount struct {
	Period      time.Time `json:"period"`
	ObjectClass string    `json:"objectClass"`
	Count       int       `json:"count"`
}

type ZoneActivity struct {
	ZoneID    string `json:"zoneId"`
	EventType string `json:"eventType"`
	Count     int    `json:"count"`
}

// Store is the durable event log. Append must be idempotent on event id.
// Count and the aggregates ignore Query.Limit.
type Store interface {
	Append(ctx context.Context, ev model.Event) error
	Last(ctx context.Context, key model.StreamKey) (model.Event, bool, error)
	Get(ctx context.Context, id string) (Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	Acknowledge(ctx context.Context, ack model.AlertAck) (Record, error)
	Count(ctx context.Context, q Query) (int, error)
	// DetectionCounts groups detections by period and object class, oldest
	// period first.
	DetectionCounts(ctx context.Context, q Query, period time.Duration) ([]DetectionCount, error)
	// ZoneActivity groups zone events by zone and event type, busiest first.
	ZoneActivity(ctx context.Context, q Query) ([]ZoneActivity, error)
}

const DefaultQueryLimit = 100

// periodStart returns the start of the period containing t, counted from the
// Unix epoch.
func periodStart(t time.Time, period time.Duration) time.Time {
	ns := t.UnixNano()
	p := int64(period)
	start := ns - ns%p
	if ns < 0 && ns%p != 0 {
		start -= p
	}
	return time.Unix(0, start).UTC()
}

func sortDetectionCounts(counts []DetectionCount) {
	sort.Slice(counts, func(i, j int) bool {
		if !counts[i].Period.Equal(counts[j].Period) {
			return counts[i].Period.Before(counts[j].Period)
		}
		return counts[i].ObjectClass < counts[j].ObjectClass
	})
}

func sortZoneActivity(zones []ZoneActivity) {
	sort.Slice(zones, func(i, j int) bool {
		if zones[i].Count != zones[j].Count {
			return zones[i].Count > zones[j].Count
		}
		if zones[i].ZoneID != zones[j].ZoneID {
			return zones[i].ZoneID < zones[j].ZoneID
		}
		return zones[i].EventType < zones[j].EventType
	})
}

// MemoryStore keeps the event log in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []model.Event
	byID   map[string]int
	last   map[model.StreamKey]int
	acks   map[string]model.AlertAck
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
		last: make(map[model.StreamKey]int),
		acks: make(map[string]model.AlertAck),
	}
}

func (s *MemoryStore) Append(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[ev.ID]; ok {
		return nil
	}
	s.events = append(s.events, ev)
	idx := len(s.events) - 1
	s.byID[ev.ID] = idx
	if prev, ok := s.last[ev.Stream()]; !ok || s.events[prev].Seq < ev.Seq {
		s.last[ev.Stream()] = idx
	}
	return nil
}

func (s *MemoryStore) Last(_ context.Context, key model.StreamKey) (model.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.last[key]
	if !ok {
		return model.Event{}, false, nil
	}
	return s.events[idx], true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return Record{}, ErrEventNotFound
	}
	return s.recordLocked(s.events[idx]), nil
}

// Query returns matching events newest first.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	result := make([]Record, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		r := s.recordLocked(s.events[i])
		if q.matches(r) {
			result = append(result, r)
		}
	}
	return result, nil
}

// Acknowledge is idempotent: acknowledging twice keeps the first ack.
func (s *MemoryStore) Acknowledge(_ context.Context, ack model.AlertAck) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[ack.AlertID]
	if !ok {
		return Record{}, ErrEventNotFound
	}
	if s.events[idx].Kind != model.EventAlert {
		return Record{}, ErrNotAlert
	}
	if _, done := s.acks[ack.AlertID]; !done {
		s.acks[ack.AlertID] = ack
	}
	return s.recordLocked(s.events[idx]), nil
}

func (s *MemoryStore) Count(_ context.Context, q Query) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ev := range s.events {
		if q.matches(s.recordLocked(ev)) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DetectionCounts(_ context.Context, q Query, period time.Duration) ([]DetectionCount, error) {
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	q.Kind = model.EventDetection

	type bucket struct {
		start int64
		class string
	}
	s.mu.RLock()
	counts := make(map[bucket]int)
	for _, ev := range s.events {
		if ev.Detection == nil || !q.matches(s.recordLocked(ev)) {
			continue
		}
		counts[bucket{periodStart(ev.DeviceTime, period).UnixNano(), ev.Detection.ObjectClass}]++
	}
	s.mu.RUnlock()

	result := make([]DetectionCount, 0, len(counts))
	for b, n := range counts {
		result = append(result, DetectionCount{Period: time.Unix(0, b.start).UTC(), ObjectClass: b.class, Count: n})
	}
	sortDetectionCounts(result)
	return result, nil
}

func (s *MemoryStore) ZoneActivity(_ context.Context, q Query) ([]ZoneActivity, error) {
	q.Kind = model.EventZone

	type key struct{ zone, eventType string }
	s.mu.RLock()
	counts := make(map[key]int)
	for _, ev := range s.events {
		if ev.Zone == nil || !q.matches(s.recordLocked(ev)) {
			continue
		}
		counts[key{ev.Zone.ZoneID, ev.Zone.EventType}]++
	}
	s.mu.RUnlock()

	result := make([]ZoneActivity, 0, len(counts))
	for k, n := range counts {
		result = append(result, ZoneActivity{ZoneID: k.zone, EventType: k.eventType, Count: n})
	}
	sortZoneActivity(result)
	return result, nil
}

func (s *MemoryStore) recordLocked(ev model.Event) Record {
	r := Record{Event: ev}
	if ack, ok := s.acks[ev.ID]; ok {
		r.Ack = &ack
	}
	return r
}
