package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"edgefleet-server/internal/auth"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceRevoked      = errors.New("device revoked")
	ErrInvalidCredentials = errors.New("invalid device credentials")
	ErrStalePolicy        = errors.New("stale retention policy")
)

// Persister stores registry records durably. Saves for the same record are
// issued one at a time, newest state last.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	SaveTenant(ctx context.Context, t model.Tenant) error
	SaveDevice(ctx context.Context, d model.Device) error
	SavePolicy(ctx context.Context, p model.RetentionPolicy) error
}

type Snapshot struct {
	Tenants  []model.Tenant          `json:"tenants"`
	Devices  []model.Device          `json:"devices"`
	Policies []model.RetentionPolicy `json:"policies"`
}

type Options struct {
	Persister  Persister
	Logger     *slog.Logger
	Now        func() time.Time
	BcryptCost int
}

type Registry struct {
	mu       sync.RWMutex
	tenants  map[string]model.Tenant
	devices  map[string]model.Device
	byTenant map[string][]string
	policies map[string]model.RetentionPolicy

	persistMu sync.Mutex
	persister Persister

	logger *slog.Logger
	now    func() time.Time
	cost   int
}

func New(opts Options) *Registry {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		tenants:   make(map[string]model.Tenant),
		devices:   make(map[string]model.Device),
		byTenant:  make(map[string][]string),
		policies:  make(map[string]model.RetentionPolicy),
		persister: opts.Persister,
		logger:    logging.OrDiscard(opts.Logger).With("component", "registry"),
		now:       now,
		cost:      opts.BcryptCost,
	}
}

// Load restores persisted records. Devices recorded as Online are restored
// as Offline, since no session survives a restart.
func (r *Registry) Load(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	snap, err := r.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range snap.Tenants {
		if t.ID == "" {
			continue
		}
		r.tenants[t.ID] = t
	}
	for _, d := range snap.Devices {
		if d.ID == "" || d.TenantID == "" {
			continue
		}
		if d.State == model.DeviceOnline {
			d.State = model.DeviceOffline
		}
		if _, seen := r.devices[d.ID]; !seen {
			r.byTenant[d.TenantID] = append(r.byTenant[d.TenantID], d.ID)
		}
		r.devices[d.ID] = d
	}
	for _, p := range snap.Policies {
		if p.TenantID == "" || p.Version <= r.policies[p.TenantID].Version {
			continue
		}
		r.policies[p.TenantID] = p
	}
	r.logger.Info("registry loaded", "tenants", len(snap.Tenants), "devices", len(snap.Devices), "policies", len(r.policies))
	return nil
}

func (r *Registry) CreateTenant(ctx context.Context, name string) (model.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Tenant{}, errors.New("missing tenant name")
	}
	id, err := newID("tenant_")
	if err != nil {
		return model.Tenant{}, err
	}
	t := model.Tenant{ID: id, Name: name, CreatedAt: r.now()}

	r.mu.Lock()
	r.tenants[t.ID] = t
	r.mu.Unlock()

	if err := r.saveTenant(ctx, t.ID); err != nil {
		return model.Tenant{}, err
	}
	return t, nil
}

func (r *Registry) GetTenant(id string) (model.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return model.Tenant{}, ErrTenantNotFound
	}
	return t, nil
}

func (r *Registry) ListTenants() []model.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// RegisterDevice creates a device and returns its secret. The secret is not
// retrievable afterwards.
func (r *Registry) RegisterDevice(ctx context.Context, tenantID, name, location string) (model.Device, string, error) {
	if strings.TrimSpace(name) == "" {
		return model.Device{}, "", errors.New("missing device name")
	}
	if _, err := r.GetTenant(tenantID); err != nil {
		return model.Device{}, "", err
	}

	secret, err := auth.GenerateDeviceSecret()
	if err != nil {
		return model.Device{}, "", err
	}
	hash, err := auth.HashSecret(secret, r.cost)
	if err != nil {
		return model.Device{}, "", err
	}
	id, err := newID("edge_")
	if err != nil {
		return model.Device{}, "", err
	}

	now := r.now()
	d := model.Device{
		ID:         id,
		TenantID:   tenantID,
		Name:       strings.TrimSpace(name),
		Location:   location,
		SecretHash: hash,
		State:      model.DeviceRegistered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	r.devices[d.ID] = d
	r.byTenant[tenantID] = append(r.byTenant[tenantID], d.ID)
	r.mu.Unlock()

	if err := r.saveDevice(ctx, d.ID); err != nil {
		return model.Device{}, "", err
	}
	r.logger.Info("device registered", "deviceId", d.ID, "tenantId", tenantID)
	return d, secret, nil
}

func (r *Registry) GetDevice(id string) (model.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (r *Registry) ListDevices(tenantID string) []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byTenant[tenantID]
	result := make([]model.Device, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.devices[id])
	}
	return result
}

// Authenticate checks the presented secret against the stored hash. Unknown
// and revoked devices fail the same way as a wrong secret.
func (r *Registry) Authenticate(deviceID, secret string) (model.Device, error) {
	d, err := r.GetDevice(deviceID)
	if err != nil {
		return model.Device{}, ErrInvalidCredentials
	}
	if d.State == model.DeviceRevoked {
		return model.Device{}, ErrInvalidCredentials
	}
	if err := auth.CompareSecret(d.SecretHash, secret); err != nil {
		return model.Device{}, ErrInvalidCredentials
	}
	return d, nil
}

func (r *Registry) MarkOnline(ctx context.Context, id string) (model.Device, error) {
	d, changed, err := r.update(id, func(d *model.Device) (bool, error) {
		if d.State == model.DeviceRevoked {
			return false, ErrDeviceRevoked
		}
		d.LastSeen = r.now()
		if d.State == model.DeviceOnline {
			return false, nil
		}
		return true, d.Transition(model.DeviceOnline)
	})
	if err != nil {
		return model.Device{}, err
	}
	if changed {
		r.persistDevice(ctx, id)
	}
	return d, nil
}

// MarkOffline moves an Online device to Offline. It reports false when the
// device was not Online.
func (r *Registry) MarkOffline(ctx context.Context, id string) (model.Device, bool, error) {
	d, changed, err := r.update(id, func(d *model.Device) (bool, error) {
		if d.State != model.DeviceOnline {
			return false, nil
		}
		return true, d.Transition(model.DeviceOffline)
	})
	if err != nil {
		return model.Device{}, false, err
	}
	if changed {
		r.persistDevice(ctx, id)
	}
	return d, changed, nil
}

// Touch records inbound traffic. It is kept in memory only; the durable
// last-seen is written with the next state change.
func (r *Registry) Touch(id string) {
	_, _, _ = r.update(id, func(d *model.Device) (bool, error) {
		d.LastSeen = r.now()
		return false, nil
	})
}

func (r *Registry) SetStatus(id string, status map[string]any) error {
	_, _, err := r.update(id, func(d *model.Device) (bool, error) {
		d.Status = status
		return false, nil
	})
	return err
}

func (r *Registry) Revoke(ctx context.Context, id string) (model.Device, error) {
	d, changed, err := r.update(id, func(d *model.Device) (bool, error) {
		if d.State == model.DeviceRevoked {
			return false, nil
		}
		return true, d.Transition(model.DeviceRevoked)
	})
	if err != nil {
		return model.Device{}, err
	}
	if changed {
		if err := r.saveDevice(ctx, id); err != nil {
			return model.Device{}, err
		}
		r.logger.Info("device revoked", "deviceId", id)
	}
	return d, nil
}

// RotateSecret replaces the device secret and returns the new one. Sessions
// authenticated with the old secret are not affected.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := auth.GenerateDeviceSecret()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashSecret(secret, r.cost)
	if err != nil {
		return "", err
	}
	if _, _, err := r.update(id, func(d *model.Device) (bool, error) {
		if d.State == model.DeviceRevoked {
			return false, ErrDeviceRevoked
		}
		d.SecretHash = hash
		return true, nil
	}); err != nil {
		return "", err
	}
	if err := r.saveDevice(ctx, id); err != nil {
		return "", err
	}
	return secret, nil
}

// SetAppliedPolicyVersion records the highest retention policy version the
// device reports as applied. Lower versions are ignored.
func (r *Registry) SetAppliedPolicyVersion(ctx context.Context, id string, version int64) (bool, error) {
	_, changed, err := r.update(id, func(d *model.Device) (bool, error) {
		if version <= d.AppliedPolicyVersion {
			return false, nil
		}
		d.AppliedPolicyVersion = version
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		r.persistDevice(ctx, id)
	}
	return changed, nil
}

// Policies returns the latest retention policy of every tenant that has one.
func (r *Registry) Policies() []model.RetentionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]model.RetentionPolicy, 0, len(r.policies))
	for _, p := range r.policies {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result
}

// SavePolicy records a tenant's retention policy. A version not above the
// stored one is refused, so a policy never moves backwards. Memory is only
// updated once the persister has accepted the policy.
func (r *Registry) SavePolicy(ctx context.Context, p model.RetentionPolicy) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	cur, ok := r.policies[p.TenantID]
	r.mu.RUnlock()
	if ok && p.Version <= cur.Version {
		return fmt.Errorf("%w: version %d is not above %d", ErrStalePolicy, p.Version, cur.Version)
	}
	if r.persister != nil {
		if err := r.persister.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("persist policy of %s: %w", p.TenantID, err)
		}
	}

	r.mu.Lock()
	r.policies[p.TenantID] = p
	r.mu.Unlock()
	return nil
}

func (r *Registry) update(id string, fn func(d *model.Device) (bool, error)) (model.Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return model.Device{}, false, ErrDeviceNotFound
	}
	changed, err := fn(&d)
	if err != nil {
		return model.Device{}, false, err
	}
	if changed {
		d.UpdatedAt = r.now()
	}
	r.devices[id] = d
	return d, changed, nil
}

func (r *Registry) saveTenant(ctx context.Context, id string) error {
	if r.persister == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	t := r.tenants[id]
	r.mu.RUnlock()
	if err := r.persister.SaveTenant(ctx, t); err != nil {
		return fmt.Errorf("persist tenant %s: %w", id, err)
	}
	return nil
}

func (r *Registry) saveDevice(ctx context.Context, id string) error {
	if r.persister == nil {
		return nil
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	d := r.devices[id]
	r.mu.RUnlock()
	if err := r.persister.SaveDevice(ctx, d); err != nil {
		return fmt.Errorf("persist device %s: %w", id, err)
	}
	return nil
}

// persistDevice saves a connectivity change. Failures are logged; the
// in-memory state stays authoritative for the running process.
func (r *Registry) persistDevice(ctx context.Context, id string) {
	if err := r.saveDevice(ctx, id); err != nil {
		r.logger.Warn("registry persistence failed", "deviceId", id, "error", err)
	}
}

func newID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
