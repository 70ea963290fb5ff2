// Package retention pushes tenant retention policies to devices and tracks
// which version each device has applied. Enforcement happens on the device;
// the cloud only reports drift.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"edgefleet-server/internal/activity"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/protocol"
)

type Devices interface {
	ListDevices(tenantID string) []model.Device
	SetAppliedPolicyVersion(ctx context.Context, id string, version int64) (bool, error)
}

type Commands interface {
	Submit(tenantID, deviceID string, kind model.CommandKind, payload map[string]any) (model.Command, error)
}

// PolicyStore keeps the latest policy of each tenant across restarts.
type PolicyStore interface {
	Policies() []model.RetentionPolicy
	SavePolicy(ctx context.Context, p model.RetentionPolicy) error
}

type Options struct {
	Devices     Devices
	Commands    Commands
	Policies    PolicyStore // nil keeps policies in memory only
	Activity    activity.Recorder
	GracePeriod time.Duration
	Interval    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

type DeviceCompliance struct {
	DeviceID       string            `json:"deviceId"`
	Name           string            `json:"name"`
	State          model.DeviceState `json:"state"`
	AppliedVersion int64             `json:"appliedVersion"`
	Lagging        bool              `json:"lagging"`
}

type Compliance struct {
	TenantID       string             `json:"tenantId"`
	CurrentVersion int64              `json:"currentVersion"`
	Devices        []DeviceCompliance `json:"devices"`
}

type Synchronizer struct {
	devices  Devices
	commands Commands
	store    PolicyStore
	activity activity.Recorder
	grace    time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// setMu serializes SetPolicy so versions are handed out once.
	setMu sync.Mutex

	mu       sync.Mutex
	policies map[string]model.RetentionPolicy
	warned   map[string]int64
}

func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		devices:  opts.Devices,
		commands: opts.Commands,
		store:    opts.Policies,
		activity: opts.Activity,
		grace:    opts.GracePeriod,
		interval: opts.Interval,
		logger:   logging.OrDiscard(opts.Logger).With("component", "retention"),
		now:      opts.Now,
		policies: make(map[string]model.RetentionPolicy),
		warned:   make(map[string]int64),
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.store != nil {
		for _, p := range s.store.Policies() {
			s.policies[p.TenantID] = p
		}
	}
	return s
}

func Payload(p model.RetentionPolicy) map[string]any {
	return map[string]any{
		"version": p.Version,
		"params":  p.Params.Values(),
	}
}

// SetPolicy bumps the tenant's policy version and sends update_retention to
// every online device that has not applied it. Offline devices receive the
// policy in their next handshake reply. The new version is above both the
// previous policy and every version a device of the tenant has applied, so
// a device never mistakes a new policy for one it already has.
func (s *Synchronizer) SetPolicy(ctx context.Context, tenantID string, params model.RetentionParams) (model.RetentionPolicy, error) {
	if err := params.Validate(); err != nil {
		return model.RetentionPolicy{}, err
	}

	s.setMu.Lock()
	defer s.setMu.Unlock()

	devices := s.devices.ListDevices(tenantID)
	s.mu.Lock()
	prev := s.policies[tenantID].Version
	s.mu.Unlock()
	version := prev
	for _, d := range devices {
		version = max(version, d.AppliedPolicyVersion)
	}
	if version > prev {
		s.logger.Warn("devices report a newer retention version than the stored policy",
			"tenantId", tenantID, "storedVersion", prev, "appliedVersion", version)
	}

	policy := model.RetentionPolicy{
		TenantID:  tenantID,
		Version:   version + 1,
		Params:    params,
		UpdatedAt: s.now().UTC(),
	}
	if s.store != nil {
		if err := s.store.SavePolicy(ctx, policy); err != nil {
			return model.RetentionPolicy{}, fmt.Errorf("save retention policy: %w", err)
		}
	}
	s.mu.Lock()
	s.policies[tenantID] = policy
	s.mu.Unlock()

	s.logger.Info("retention policy updated", "tenantId", tenantID, "version", policy.Version, "retentionDays", params.RetentionDays)

	for _, d := range devices {
		if d.State != model.DeviceOnline || d.AppliedPolicyVersion >= policy.Version {
			continue
		}
		if _, err := s.commands.Submit(tenantID, d.ID, model.CommandUpdateRetention, Payload(policy)); err != nil {
			s.logger.Error("submit update_retention", "deviceId", d.ID, "version", policy.Version, "error", err)
		}
	}
	return policy, nil
}

func (s *Synchronizer) Policy(tenantID string) (model.RetentionPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[tenantID]
	return p, ok
}

// Greet is the session handshake hook. It records the version the device
// reports and, if the device lags, attaches the current policy to the
// auth_ok reply.
func (s *Synchronizer) Greet(ctx context.Context, d model.Device, reported int64, reply *protocol.Frame) {
	applied := d.AppliedPolicyVersion
	if reported > applied {
		s.Applied(ctx, d.ID, reported)
		applied = reported
	}

	policy, ok := s.Policy(d.TenantID)
	if !ok || applied >= policy.Version {
		return
	}
	reply.Version = policy.Version
	reply.Params = policy.Params.Values()
}

// Applied records a device confirmation of a policy version.
func (s *Synchronizer) Applied(ctx context.Context, deviceID string, version int64) {
	if _, err := s.devices.SetAppliedPolicyVersion(ctx, deviceID, version); err != nil {
		s.logger.Error("record applied policy version", "deviceId", deviceID, "version", version, "error", err)
		return
	}
	s.logger.Debug("policy applied", "deviceId", deviceID, "version", version)
}

// CommandTerminal treats an acked update_retention as confirmation of the
// version it carried.
func (s *Synchronizer) CommandTerminal(ctx context.Context, cmd model.Command) {
	if cmd.Kind != model.CommandUpdateRetention || cmd.State != model.CommandAcked {
		return
	}
	if v, ok := cmd.Payload["version"].(int64); ok {
		s.Applied(ctx, cmd.DeviceID, v)
	}
}

// Sweep reports devices still behind their tenant's policy once the grace
// period has passed. Each device is reported once per policy version.
func (s *Synchronizer) Sweep(now time.Time) []string {
	s.mu.Lock()
	policies := make([]model.RetentionPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, p)
	}
	s.mu.Unlock()

	var drifted []string
	for _, p := range policies {
		if now.Sub(p.UpdatedAt) < s.grace {
			continue
		}
		for _, d := range s.devices.ListDevices(p.TenantID) {
			if !tracked(d) || d.AppliedPolicyVersion >= p.Version {
				continue
			}
			s.mu.Lock()
			already := s.warned[d.ID] == p.Version
			s.warned[d.ID] = p.Version
			s.mu.Unlock()
			if already {
				continue
			}

			drifted = append(drifted, d.ID)
			s.logger.Warn("retention policy drift",
				"tenantId", p.TenantID,
				"deviceId", d.ID,
				"appliedVersion", d.AppliedPolicyVersion,
				"currentVersion", p.Version,
			)
			if s.activity != nil {
				s.activity.Record(model.Activity{
					TenantID: p.TenantID,
					DeviceID: d.ID,
					Type:     model.ActivityPolicyDrift,
					Message:  fmt.Sprintf("device applied retention v%d, current is v%d", d.AppliedPolicyVersion, p.Version),
				})
			}
		}
	}
	sort.Strings(drifted)
	return drifted
}

func (s *Synchronizer) Compliance(tenantID string) Compliance {
	policy, _ := s.Policy(tenantID)
	report := Compliance{TenantID: tenantID, CurrentVersion: policy.Version, Devices: []DeviceCompliance{}}
	for _, d := range s.devices.ListDevices(tenantID) {
		if d.State == model.DeviceRevoked {
			continue
		}
		report.Devices = append(report.Devices, DeviceCompliance{
			DeviceID:       d.ID,
			Name:           d.Name,
			State:          d.State,
			AppliedVersion: d.AppliedPolicyVersion,
			Lagging:        d.AppliedPolicyVersion < policy.Version,
		})
	}
	return report
}

func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// tracked reports whether drift is meaningful for d: devices that never
// connected or were revoked are left out.
func tracked(d model.Device) bool {
	return d.State == model.DeviceOnline || d.State == model.DeviceOffline
}
