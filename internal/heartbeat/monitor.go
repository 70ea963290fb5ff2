// Package heartbeat tracks device liveness from inbound traffic and expires
// devices that go quiet.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"edgefleet-server/internal/logging"
)

// ExpireFunc is called outside the monitor lock for each device whose
// liveness lapsed as of the sweep time.
type ExpireFunc func(ctx context.Context, deviceID string, asOf time.Time)

type Options struct {
	// Timeout is the longest silence tolerated on a live session.
	Timeout time.Duration
	// Grace is how long a device may stay disconnected before it is
	// expired. A reconnect within Grace is not a state change.
	Grace    time.Duration
	Interval time.Duration
	Expire   ExpireFunc
	Logger   *slog.Logger
	Now      func() time.Time
}

type liveness struct {
	lastSeen       time.Time
	disconnectedAt time.Time
}

type Monitor struct {
	mu      sync.Mutex
	devices map[string]*liveness

	timeout  time.Duration
	grace    time.Duration
	interval time.Duration
	expire   ExpireFunc
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Monitor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = opts.Timeout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = opts.Timeout / 4
	}
	return &Monitor{
		devices:  make(map[string]*liveness),
		timeout:  opts.Timeout,
		grace:    grace,
		interval: interval,
		expire:   opts.Expire,
		logger:   logging.OrDiscard(opts.Logger).With("component", "heartbeat"),
		now:      now,
	}
}

// Connected starts (or restarts) tracking after a successful handshake.
func (m *Monitor) Connected(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[deviceID] = &liveness{lastSeen: m.now()}
}

// Touch refreshes liveness for a tracked device. Traffic from untracked
// devices is ignored; only a handshake starts tracking.
func (m *Monitor) Touch(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.devices[deviceID]; ok {
		l.lastSeen = m.now()
	}
}

// Disconnected starts the grace period for a device whose session ended.
func (m *Monitor) Disconnected(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.devices[deviceID]; ok && l.disconnectedAt.IsZero() {
		l.disconnectedAt = m.now()
	}
}

// Forget stops tracking without expiring, used for revoked devices.
func (m *Monitor) Forget(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceID)
}

func (m *Monitor) LastSeen(deviceID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.devices[deviceID]
	if !ok {
		return time.Time{}, false
	}
	return l.lastSeen, true
}

// Sweep expires every device that has been silent longer than the timeout
// or disconnected longer than the grace period, and returns their ids.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) []string {
	m.mu.Lock()
	var expired []string
	for id, l := range m.devices {
		silent := now.Sub(l.lastSeen) > m.timeout
		gone := !l.disconnectedAt.IsZero() && now.Sub(l.disconnectedAt) >= m.grace
		if silent || gone {
			expired = append(expired, id)
			delete(m.devices, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("device liveness expired", "deviceId", id)
		if m.expire != nil {
			m.expire(ctx, id, now)
		}
	}
	return expired
}

func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx, m.now())
		}
	}
}
