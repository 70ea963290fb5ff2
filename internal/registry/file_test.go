package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"edgefleet-server/internal/model"
)

func TestFilePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	stateFile := filepath.Join(t.TempDir(), "registry-state.json")

	r1 := newTestRegistry(t, NewFilePersister(stateFile))
	d, secret := registerDevice(t, r1)
	if _, err := r1.MarkOnline(ctx, d.ID); err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	r2 := newTestRegistry(t, NewFilePersister(stateFile))
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := r2.GetDevice(d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.State != model.DeviceOffline {
		t.Fatalf("expected online device restored as offline, got %s", got.State)
	}
	if _, err := r2.Authenticate(d.ID, secret); err != nil {
		t.Fatalf("expected secret hash restored: %v", err)
	}
	if len(r2.ListTenants()) != 1 || len(r2.ListDevices(d.TenantID)) != 1 {
		t.Fatalf("expected tenant and device restored")
	}
}

func TestFilePersister_PoliciesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	stateFile := filepath.Join(t.TempDir(), "registry-state.json")
	updated := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	r1 := newTestRegistry(t, NewFilePersister(stateFile))
	d, _ := registerDevice(t, r1)
	for v := int64(1); v <= 3; v++ {
		p := model.RetentionPolicy{TenantID: d.TenantID, Version: v, Params: model.RetentionParams{RetentionDays: 30}, UpdatedAt: updated}
		if err := r1.SavePolicy(ctx, p); err != nil {
			t.Fatalf("SavePolicy v%d: %v", v, err)
		}
	}
	stale := model.RetentionPolicy{TenantID: d.TenantID, Version: 2}
	if err := r1.SavePolicy(ctx, stale); !errors.Is(err, ErrStalePolicy) {
		t.Fatalf("expected ErrStalePolicy, got %v", err)
	}

	r2 := newTestRegistry(t, NewFilePersister(stateFile))
	if err := r2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	policies := r2.Policies()
	if len(policies) != 1 {
		t.Fatalf("expected one restored policy, got %+v", policies)
	}
	got := policies[0]
	if got.TenantID != d.TenantID || got.Version != 3 || got.Params.RetentionDays != 30 || !got.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected restored policy %+v", got)
	}
}

func TestFilePersister_MissingFile(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "absent.json"))
	snap, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Devices) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}

func TestEtcdKeys(t *testing.T) {
	if got := etcdKey("devices", "edge_1"); got != "/edgefleet/v1/devices/edge_1" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := etcdPrefix("tenants"); got != "/edgefleet/v1/tenants/" {
		t.Fatalf("unexpected prefix %q", got)
	}
	if got := etcdKey("policies", "tenant_1"); got != "/edgefleet/v1/policies/tenant_1" {
		t.Fatalf("unexpected key %q", got)
	}
}
