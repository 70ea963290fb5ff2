// Package activity keeps the operator-visible feed of fleet happenings:
// devices going offline, commands failing, sequence gaps, clip results and
// retention drift.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
)

type Recorder interface {
	Record(entry model.Activity)
}

const DefaultCapacity = 10000

// Feed is a bounded in-memory log. Once full, the oldest entries are
// dropped first.
type Feed struct {
	mu       sync.RWMutex
	entries  []model.Activity
	seq      int64
	capacity int
	now      func() time.Time
	logger   *slog.Logger
}

func NewFeed(capacity int, logger *slog.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		capacity: capacity,
		now:      time.Now,
		logger:   logging.OrDiscard(logger).With("component", "activity"),
	}
}

func (f *Feed) Record(entry model.Activity) {
	f.mu.Lock()
	f.seq++
	entry.Seq = f.seq
	if entry.At.IsZero() {
		entry.At = f.now()
	}
	if len(f.entries) >= f.capacity {
		copy(f.entries, f.entries[1:])
		f.entries = f.entries[:len(f.entries)-1]
	}
	f.entries = append(f.entries, entry)
	f.mu.Unlock()

	f.logger.Info(entry.Message,
		"type", string(entry.Type),
		"tenantId", entry.TenantID,
		"deviceId", entry.DeviceID,
		"ref", entry.Ref,
	)
}

// List returns the newest entries first. An empty tenantID matches every
// tenant; after skips entries with Seq <= after.
func (f *Feed) List(tenantID string, after int64, limit int) []model.Activity {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]model.Activity, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := f.entries[i]
		if e.Seq <= after {
			break
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		result = append(result, e)
	}
	return result
}
