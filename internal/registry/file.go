package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"edgefleet-server/internal/model"
)

// FilePersister keeps the registry as a single JSON snapshot. Every save
// rewrites the file through a temp file and rename, so a crash leaves
// either the old or the new snapshot.
type FilePersister struct {
	path string

	mu       sync.Mutex
	tenants  map[string]model.Tenant
	devices  map[string]model.Device
	policies map[string]model.RetentionPolicy
}

type persistedRegistryFile struct {
	Version  int                     `json:"version"`
	Tenants  []model.Tenant          `json:"tenants"`
	Devices  []model.Device          `json:"devices"`
	Policies []model.RetentionPolicy `json:"policies,omitempty"`
	SavedAt  int64                   `json:"savedAt"`
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{
		path:     path,
		tenants:  make(map[string]model.Tenant),
		devices:  make(map[string]model.Device),
		policies: make(map[string]model.RetentionPolicy),
	}
}

func (p *FilePersister) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	if len(data) == 0 {
		return Snapshot{}, nil
	}

	var file persistedRegistryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Snapshot{}, err
	}
	if file.Version != 1 {
		return Snapshot{}, errors.New("unsupported registry state version")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range file.Tenants {
		p.tenants[t.ID] = t
	}
	for _, d := range file.Devices {
		p.devices[d.ID] = d
	}
	for _, pol := range file.Policies {
		p.policies[pol.TenantID] = pol
	}
	return Snapshot{Tenants: file.Tenants, Devices: file.Devices, Policies: file.Policies}, nil
}

func (p *FilePersister) SaveTenant(ctx context.Context, t model.Tenant) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tenants[t.ID] = t
	return p.writeLocked()
}

func (p *FilePersister) SaveDevice(ctx context.Context, d model.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[d.ID] = d
	return p.writeLocked()
}

func (p *FilePersister) SavePolicy(ctx context.Context, pol model.RetentionPolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policies[pol.TenantID] = pol
	return p.writeLocked()
}

func (p *FilePersister) writeLocked() error {
	file := persistedRegistryFile{
		Version:  1,
		Tenants:  make([]model.Tenant, 0, len(p.tenants)),
		Devices:  make([]model.Device, 0, len(p.devices)),
		Policies: make([]model.RetentionPolicy, 0, len(p.policies)),
		SavedAt:  time.Now().UnixMilli(),
	}
	for _, t := range p.tenants {
		file.Tenants = append(file.Tenants, t)
	}
	for _, d := range p.devices {
		file.Devices = append(file.Devices, d)
	}
	for _, pol := range p.policies {
		file.Policies = append(file.Policies, pol)
	}
	sort.Slice(file.Tenants, func(i, j int) bool { return file.Tenants[i].ID < file.Tenants[j].ID })
	sort.Slice(file.Policies, func(i, j int) bool { return file.Policies[i].TenantID < file.Policies[j].TenantID })
	sort.Slice(file.Devices, func(i, j int) bool { return file.Devices[i].ID < file.Devices[j].ID })

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
