package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 3000 {
		t.Fatalf("expected default port 3000, got %d", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.Heartbeat.Timeout != 35*time.Second {
		t.Fatalf("expected 35s heartbeat timeout, got %s", cfg.Heartbeat.Timeout)
	}
	if cfg.Heartbeat.Grace != cfg.Heartbeat.Timeout {
		t.Fatalf("expected grace to default to the timeout, got %s", cfg.Heartbeat.Grace)
	}
	if cfg.Ingest.MaxSequenceGap != 100 {
		t.Fatalf("expected max sequence gap 100, got %d", cfg.Ingest.MaxSequenceGap)
	}
}

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.Port)
	}
}

func TestLoadConfigFromEnv_Timeouts(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":               "x",
		"HEARTBEAT_TIMEOUT_SECONDS":   "20",
		"COMMAND_ACK_TIMEOUT_SECONDS": "7",
		"COMMAND_MAX_ATTEMPTS":        "3",
		"CLIP_JOB_TIMEOUT_SECONDS":    "90",
		"RETENTION_GRACE_SECONDS":     "60",
		"MAX_SEQUENCE_GAP":            "50",
		"KAFKA_BROKERS":               "k1:9092, k2:9092",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Heartbeat.Timeout != 20*time.Second || cfg.Heartbeat.Grace != 20*time.Second {
		t.Fatalf("unexpected heartbeat config %+v", cfg.Heartbeat)
	}
	if cfg.Commands.AckTimeout != 7*time.Second || cfg.Commands.MaxAttempts != 3 {
		t.Fatalf("unexpected command config %+v", cfg.Commands)
	}
	if cfg.Clips.JobTimeout != 90*time.Second || cfg.Retention.GracePeriod != time.Minute {
		t.Fatalf("unexpected clip/retention config")
	}
	if cfg.Ingest.MaxSequenceGap != 50 {
		t.Fatalf("expected gap 50, got %d", cfg.Ingest.MaxSequenceGap)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
}

func TestLoadConfigFromEnv_InvalidSeconds(t *testing.T) {
	_, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "COMMAND_ACK_TIMEOUT_SECONDS": "soon"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigWithFile_EnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgefleet.yaml")
	body := []byte(`
masterSecret: from-file
port: 8080
heartbeat:
  timeout: 45s
commands:
  maxAttempts: 9
retention:
  gracePeriod: 2m
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigWithFile(mapEnv{"PORT": "9090"}, path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.MasterSecret != "from-file" {
		t.Fatalf("expected secret from file, got %q", cfg.MasterSecret)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected env port to win, got %d", cfg.Port)
	}
	if cfg.Heartbeat.Timeout != 45*time.Second || cfg.Commands.MaxAttempts != 9 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Heartbeat, cfg.Commands)
	}
	if cfg.Retention.GracePeriod != 2*time.Minute {
		t.Fatalf("expected 2m grace, got %s", cfg.Retention.GracePeriod)
	}
	if cfg.Commands.AckTimeout != 30*time.Second {
		t.Fatalf("expected default ack timeout kept, got %s", cfg.Commands.AckTimeout)
	}
}

func TestLoadConfigFromEnv_EdgeLimitAndEventStore(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Edge.ConnectLimit != 30 || cfg.Edge.ConnectWindow != time.Minute || cfg.Ingest.EventDB != "" {
		t.Fatalf("unexpected defaults %+v %+v", cfg.Edge, cfg.Ingest)
	}

	cfg, err = LoadConfigFromEnv(mapEnv{
		"MASTER_SECRET":               "x",
		"EDGE_CONNECT_LIMIT":          "5",
		"EDGE_CONNECT_WINDOW_SECONDS": "10",
		"EVENT_DB_PATH":               "/var/lib/edgefleet/events.db",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Edge.ConnectLimit != 5 || cfg.Edge.ConnectWindow != 10*time.Second {
		t.Fatalf("unexpected edge config %+v", cfg.Edge)
	}
	if cfg.Ingest.EventDB != "/var/lib/edgefleet/events.db" {
		t.Fatalf("unexpected event db %q", cfg.Ingest.EventDB)
	}

	if _, err := LoadConfigFromEnv(mapEnv{"MASTER_SECRET": "x", "EDGE_CONNECT_LIMIT": "0"}); err == nil {
		t.Fatal("expected error for zero edge connect limit")
	}
}
