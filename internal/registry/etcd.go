package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"edgefleet-server/internal/model"
)

const etcdKeyPrefix = "/edgefleet/v1"

func etcdKey(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", etcdKeyPrefix, kind, id)
}

func etcdPrefix(kind string) string {
	return fmt.Sprintf("%s/%s/", etcdKeyPrefix, kind)
}

// EtcdPersister stores one key per tenant and device, for deployments that
// already run an etcd cluster.
type EtcdPersister struct {
	client  *clientv3.Client
	timeout time.Duration
}

func NewEtcdPersister(endpoints []string) (*EtcdPersister, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdPersister{client: client, timeout: 5 * time.Second}, nil
}

func (p *EtcdPersister) Close() error {
	return p.client.Close()
}

func (p *EtcdPersister) Load(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tenants, err := etcdList[model.Tenant](ctx, p.client, etcdPrefix("tenants"))
	if err != nil {
		return Snapshot{}, err
	}
	devices, err := etcdList[model.Device](ctx, p.client, etcdPrefix("devices"))
	if err != nil {
		return Snapshot{}, err
	}
	policies, err := etcdList[model.RetentionPolicy](ctx, p.client, etcdPrefix("policies"))
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Tenants: tenants, Devices: devices, Policies: policies}, nil
}

func (p *EtcdPersister) SaveTenant(ctx context.Context, t model.Tenant) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return etcdPut(ctx, p.client, etcdKey("tenants", t.ID), t)
}

func (p *EtcdPersister) SaveDevice(ctx context.Context, d model.Device) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return etcdPut(ctx, p.client, etcdKey("devices", d.ID), d)
}

// SavePolicy keeps one key per tenant holding its latest policy.
func (p *EtcdPersister) SavePolicy(ctx context.Context, pol model.RetentionPolicy) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return etcdPut(ctx, p.client, etcdKey("policies", pol.TenantID), pol)
}

func etcdPut(ctx context.Context, client *clientv3.Client, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if _, err := client.Put(ctx, k, string(data)); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

func etcdList[T any](ctx context.Context, client *clientv3.Client, pfx string) ([]T, error) {
	resp, err := client.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var item T
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, item)
	}
	return out, nil
}
