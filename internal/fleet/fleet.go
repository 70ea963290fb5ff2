// Package fleet wires the fleet components together: registry, sessions,
// heartbeat, commands, ingestion, clips and retention, plus whichever
// backends the configuration enables.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"edgefleet-server/internal/activity"
	"edgefleet-server/internal/clips"
	"edgefleet-server/internal/config"
	"edgefleet-server/internal/dispatch"
	"edgefleet-server/internal/eventsink"
	"edgefleet-server/internal/heartbeat"
	"edgefleet-server/internal/ingest"
	"edgefleet-server/internal/logging"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/notify"
	"edgefleet-server/internal/protocol"
	"edgefleet-server/internal/registry"
	"edgefleet-server/internal/retention"
	"edgefleet-server/internal/session"
)

const (
	DefaultClipStorageDir = "data/clips"
	// DefaultEventDBName is the event store created next to the state file
	// when no explicit event database is configured.
	DefaultEventDBName = "events.db"
)

type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
	// BcryptCost overrides the device secret hashing cost; 0 uses the
	// bcrypt default.
	BcryptCost int
}

type Fleet struct {
	Registry   *registry.Registry
	Sessions   *session.Manager
	Monitor    *heartbeat.Monitor
	Dispatcher *dispatch.Dispatcher
	Pipeline   *ingest.Pipeline
	Clips      *clips.Coordinator
	Retention  *retention.Synchronizer
	Activity   *activity.Feed

	rejects ingest.RejectSink
	mqtt    *notify.MQTT
	closers []func() error
	logger  *slog.Logger
}

// New builds the fleet from configuration. Optional backends (etcd, Kafka,
// InfluxDB, Redis, MQTT, webhook, MinIO) are enabled when configured;
// otherwise in-memory or local-disk equivalents are used.
func New(ctx context.Context, cfg config.Config, opts Options) (*Fleet, error) {
	logger := logging.OrDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	f := &Fleet{logger: logger.With("component", "fleet")}

	f.Activity = activity.NewFeed(activity.DefaultCapacity, logger)

	persister, err := f.persister(cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.Registry = registry.New(registry.Options{
		Persister:  persister,
		Logger:     logger,
		Now:        now,
		BcryptCost: opts.BcryptCost,
	})
	if err := f.Registry.Load(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	f.Dispatcher = dispatch.New(dispatch.Options{
		Sender:      dispatch.SenderFunc(func(id string, fr protocol.Frame) error { return f.Sessions.Send(id, fr) }),
		AckTimeout:  cfg.Commands.AckTimeout,
		MaxAttempts: cfg.Commands.MaxAttempts,
		BackoffBase: cfg.Commands.BackoffBase,
		BackoffMax:  cfg.Commands.BackoffMax,
		MaxAge:      cfg.Commands.MaxAge,
		Interval:    cfg.Commands.DispatchInterval,
		Logger:      logger,
		Now:         now,
	})

	store, err := f.eventStore(ctx, cfg, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	sinks := f.sinks(cfg, logger)
	f.Pipeline = ingest.New(ingest.Options{
		Store:          store,
		Sinks:          sinks,
		Rejects:        f.rejects,
		Notifier:       f.notifier(cfg, logger),
		Claims:         f.claims(cfg),
		Activity:       f.Activity,
		MaxSequenceGap: cfg.Ingest.MaxSequenceGap,
		MaxClockSkew:   cfg.Ingest.MaxClockSkew,
		Logger:         logger,
		Now:            now,
	})

	storage, err := f.clipStorage(ctx, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.Clips = clips.New(clips.Options{
		Storage:    storage,
		Commands:   f.Dispatcher,
		Activity:   f.Activity,
		JobTimeout: cfg.Clips.JobTimeout,
		MaxBytes:   cfg.Clips.MaxBytes,
		TempDir:    cfg.Clips.TempDir,
		Interval:   cfg.Heartbeat.SweepInterval,
		Logger:     logger,
		Now:        now,
	})

	f.Retention = retention.New(retention.Options{
		Devices:     f.Registry,
		Commands:    f.Dispatcher,
		Policies:    f.Registry,
		Activity:    f.Activity,
		GracePeriod: cfg.Retention.GracePeriod,
		Logger:      logger,
		Now:         now,
	})

	f.Monitor = heartbeat.New(heartbeat.Options{
		Timeout:  cfg.Heartbeat.Timeout,
		Grace:    cfg.Heartbeat.Grace,
		Interval: cfg.Heartbeat.SweepInterval,
		Expire: func(ctx context.Context, deviceID string, asOf time.Time) {
			f.Sessions.Expire(ctx, deviceID, asOf)
		},
		Logger: logger,
		Now:    now,
	})

	router := &Router{
		Pipeline:   f.Pipeline,
		Dispatcher: f.Dispatcher,
		Clips:      f.Clips,
		Retention:  f.Retention,
		Status:     f.Registry,
		Logger:     logger.With("component", "router"),
		Now:        now,
	}
	f.Sessions = session.NewManager(session.Options{
		Registry:      f.Registry,
		Liveness:      f.Monitor,
		Handler:       router,
		Greeter:       f.Retention.Greet,
		SendQueueSize: cfg.Session.SendQueueSize,
		MaxViolations: cfg.Session.MaxProtocolViolations,
		Logger:        logger,
		Now:           now,
	})

	f.wire()
	return f, nil
}

func (f *Fleet) wire() {
	f.Sessions.OnConnect(func(_ context.Context, d model.Device) {
		f.Dispatcher.DeviceOnline(d.ID)
		f.Activity.Record(model.Activity{
			TenantID: d.TenantID,
			DeviceID: d.ID,
			Type:     model.ActivityDeviceOnline,
			Message:  fmt.Sprintf("device %s connected", d.Name),
		})
	})
	f.Sessions.OnOffline(func(_ context.Context, d model.Device) {
		f.Dispatcher.DeviceOffline(d.ID)
		f.Activity.Record(model.Activity{
			TenantID: d.TenantID,
			DeviceID: d.ID,
			Type:     model.ActivityDeviceOffline,
			Message:  fmt.Sprintf("device %s went offline", d.Name),
		})
	})
	f.Dispatcher.OnTerminal(func(c model.Command) {
		f.Clips.CommandTerminal(c)
		f.Retention.CommandTerminal(context.Background(), c)

		switch c.State {
		case model.CommandFailed:
			f.Activity.Record(model.Activity{
				TenantID: c.TenantID,
				DeviceID: c.DeviceID,
				Type:     model.ActivityCommandFailed,
				Message:  fmt.Sprintf("%s failed after %d attempts: %s", c.Kind, c.Attempts, c.FailureReason),
				Ref:      c.ID,
			})
		case model.CommandExpired:
			f.Activity.Record(model.Activity{
				TenantID: c.TenantID,
				DeviceID: c.DeviceID,
				Type:     model.ActivityCommandExpired,
				Message:  fmt.Sprintf("%s expired before delivery", c.Kind),
				Ref:      c.ID,
			})
		}
	})
}

// RevokeDevice revokes the device, closes its session without grace and
// fails everything still queued for it.
func (f *Fleet) RevokeDevice(ctx context.Context, id string) (model.Device, error) {
	d, err := f.Registry.Revoke(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	f.Sessions.Evict(id)
	f.Dispatcher.Abandon(id, "device revoked")
	f.Activity.Record(model.Activity{
		TenantID: d.TenantID,
		DeviceID: d.ID,
		Type:     model.ActivityDeviceRevoked,
		Message:  fmt.Sprintf("device %s revoked", d.Name),
	})
	return d, nil
}

// Run drives the periodic work of every component until ctx is done.
func (f *Fleet) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Monitor.Run(ctx) })
	g.Go(func() error { return f.Dispatcher.Run(ctx) })
	g.Go(func() error { return f.Clips.Run(ctx) })
	g.Go(func() error { return f.Retention.Run(ctx) })
	if f.mqtt != nil {
		g.Go(func() error {
			if err := f.mqtt.Connect(ctx, time.Second, 30*time.Second); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("connect mqtt: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close waits for in-flight notifications and releases backend clients.
func (f *Fleet) Close() error {
	if f.Pipeline != nil {
		f.Pipeline.Wait()
	}
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}

func (f *Fleet) persister(cfg config.Config) (registry.Persister, error) {
	switch {
	case len(cfg.Etcd.Endpoints) > 0:
		p, err := registry.NewEtcdPersister(cfg.Etcd.Endpoints)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd %v: %w", cfg.Etcd.Endpoints, err)
		}
		f.closers = append(f.closers, p.Close)
		f.logger.Info("registry backed by etcd", "endpoints", cfg.Etcd.Endpoints)
		return p, nil
	case cfg.StateFile != "":
		f.logger.Info("registry backed by state file", "path", cfg.StateFile)
		return registry.NewFilePersister(cfg.StateFile), nil
	default:
		f.logger.Warn("registry is in memory only; set STATE_FILE or ETCD_ENDPOINTS to persist devices")
		return nil, nil
	}
}

// eventStore opens the SQLite event log. Without an explicit path it lives
// next to the registry state file; with neither, events stay in memory.
func (f *Fleet) eventStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ingest.Store, error) {
	path := cfg.Ingest.EventDB
	if path == "" && cfg.StateFile != "" {
		path = filepath.Join(filepath.Dir(cfg.StateFile), DefaultEventDBName)
	}
	if path == "" {
		f.logger.Warn("event store is in memory only; set EVENT_DB_PATH or STATE_FILE to persist events")
		return ingest.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	s, err := ingest.OpenSQLiteStore(ctx, ingest.SQLiteOptions{Path: path, Logger: logger})
	if err != nil {
		return nil, err
	}
	f.closers = append(f.closers, s.Close)
	return s, nil
}

func (f *Fleet) sinks(cfg config.Config, logger *slog.Logger) []ingest.Sink {
	var sinks []ingest.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		k := eventsink.NewKafka(eventsink.KafkaOptions{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.Topic,
			DLQTopic: cfg.Kafka.DLQTopic,
			Logger:   logger,
		})
		f.closers = append(f.closers, k.Close)
		sinks = append(sinks, k)
		if cfg.Kafka.DLQTopic != "" {
			f.rejects = k
		}
	}
	if cfg.Influx.URL != "" {
		i := eventsink.NewInflux(eventsink.InfluxOptions{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		f.closers = append(f.closers, func() error { i.Close(); return nil })
		sinks = append(sinks, i)
	}
	return sinks
}

func (f *Fleet) notifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	var targets notify.Multi
	if cfg.WebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.WebhookURL, nil))
	}
	if cfg.MQTT.BrokerURL != "" {
		f.mqtt = notify.NewMQTT(notify.MQTTOptions{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Topic:     cfg.MQTT.Topic,
			Logger:    logger,
		})
		f.closers = append(f.closers, func() error { f.mqtt.Close(); return nil })
		targets = append(targets, f.mqtt)
	}
	if len(targets) == 0 {
		return nil
	}
	return targets
}

func (f *Fleet) claims(cfg config.Config) notify.Claims {
	if cfg.Redis.Addr == "" {
		return notify.NewMemoryClaims()
	}
	c := notify.NewRedisClaims(notify.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	f.closers = append(f.closers, c.Close)
	return c
}

func (f *Fleet) clipStorage(ctx context.Context, cfg config.Config) (clips.Storage, error) {
	if cfg.Clips.TempDir != "" {
		if err := os.MkdirAll(cfg.Clips.TempDir, 0o700); err != nil {
			return nil, fmt.Errorf("create clip temp dir: %w", err)
		}
	}
	if cfg.MinIO.Endpoint != "" {
		s, err := clips.NewMinIOStorage(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.UseTLS, cfg.MinIO.Bucket)
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure clip bucket %s: %w", cfg.MinIO.Bucket, err)
		}
		return s, nil
	}
	dir := cfg.Clips.StorageDir
	if dir == "" {
		dir = DefaultClipStorageDir
	}
	return clips.NewLocalStorage(dir)
}
