package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int           `yaml:"port"`
	MasterSecret string        `yaml:"masterSecret"`
	GinMode      string        `yaml:"ginMode"`
	TLSCertFile  string        `yaml:"tlsCertFile"`
	TLSKeyFile   string        `yaml:"tlsKeyFile"`
	TokenExpiry  time.Duration `yaml:"tokenExpiry"`
	LogLevel     string        `yaml:"logLevel"`
	LogFormat    string        `yaml:"logFormat"`

	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Commands  CommandConfig   `yaml:"commands"`
	Clips     ClipConfig      `yaml:"clips"`
	Retention RetentionConfig `yaml:"retention"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Session   SessionConfig   `yaml:"session"`
	Edge      EdgeConfig      `yaml:"edge"`

	StateFile  string       `yaml:"stateFile"`
	Etcd       EtcdConfig   `yaml:"etcd"`
	Kafka      KafkaConfig  `yaml:"kafka"`
	Influx     InfluxConfig `yaml:"influx"`
	MinIO      MinIOConfig  `yaml:"minio"`
	Redis      RedisConfig  `yaml:"redis"`
	MQTT       MQTTConfig   `yaml:"mqtt"`
	WebhookURL string       `yaml:"webhookUrl"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	Grace         time.Duration `yaml:"grace"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type CommandConfig struct {
	AckTimeout       time.Duration `yaml:"ackTimeout"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	MaxAge           time.Duration `yaml:"maxAge"`
	DispatchInterval time.Duration `yaml:"dispatchInterval"`
}

type ClipConfig struct {
	JobTimeout time.Duration `yaml:"jobTimeout"`
	MaxBytes   int64         `yaml:"maxBytes"`
	TempDir    string        `yaml:"tempDir"`
	StorageDir string        `yaml:"storageDir"`
}

type RetentionConfig struct {
	GracePeriod time.Duration `yaml:"gracePeriod"`
}

type IngestConfig struct {
	MaxSequenceGap int64         `yaml:"maxSequenceGap"`
	MaxClockSkew   time.Duration `yaml:"maxClockSkew"`
	// EventDB is the SQLite event store. When empty it defaults to
	// events.db next to StateFile, or to memory without a StateFile.
	EventDB string `yaml:"eventDb"`
}

type SessionConfig struct {
	MaxProtocolViolations int `yaml:"maxProtocolViolations"`
	SendQueueSize         int `yaml:"sendQueueSize"`
}

// EdgeConfig throttles device connection attempts, both per client IP and
// per claimed device id.
type EdgeConfig struct {
	ConnectLimit  int           `yaml:"connectLimit"`
	ConnectWindow time.Duration `yaml:"connectWindow"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	DLQTopic string   `yaml:"dlqTopic"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseTLS    bool   `yaml:"useTLS"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQTTConfig struct {
	BrokerURL string `yaml:"brokerUrl"`
	ClientID  string `yaml:"clientId"`
	Topic     string `yaml:"topic"`
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func Default() Config {
	return Config{
		Port:        3000,
		GinMode:     "release",
		TokenExpiry: 7 * 24 * time.Hour,
		LogLevel:    "info",
		LogFormat:   "text",
		Heartbeat: HeartbeatConfig{
			Timeout:       35 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Commands: CommandConfig{
			AckTimeout:       30 * time.Second,
			MaxAttempts:      5,
			BackoffBase:      2 * time.Second,
			BackoffMax:       time.Minute,
			MaxAge:           24 * time.Hour,
			DispatchInterval: time.Second,
		},
		Clips: ClipConfig{
			JobTimeout: 2 * time.Minute,
			MaxBytes:   512 << 20,
		},
		Retention: RetentionConfig{GracePeriod: 10 * time.Minute},
		Ingest: IngestConfig{
			MaxSequenceGap: 100,
			MaxClockSkew:   5 * time.Minute,
		},
		Session: SessionConfig{
			MaxProtocolViolations: 5,
			SendQueueSize:         64,
		},
		Edge: EdgeConfig{
			ConnectLimit:  30,
			ConnectWindow: time.Minute,
		},
		Kafka: KafkaConfig{Topic: "edge-events", DLQTopic: "edge-events-dlq"},
		MinIO: MinIOConfig{Bucket: "clips"},
		MQTT:  MQTTConfig{ClientID: "edgefleet-server", Topic: "edgefleet/alerts"},
	}
}

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

// LoadConfigFile is LoadConfig with an explicit YAML path. An empty path
// falls back to CONFIG_FILE.
func LoadConfigFile(path string) (Config, error) {
	env := osEnv{}
	if path == "" {
		path = env.Getenv("CONFIG_FILE")
	}
	return LoadConfigWithFile(env, path)
}

func LoadConfigFromEnv(env Env) (Config, error) {
	return LoadConfigWithFile(env, env.Getenv("CONFIG_FILE"))
}

// LoadConfigWithFile applies defaults, then the YAML file at path (if any),
// then environment overrides.
func LoadConfigWithFile(env Env, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	setString(env, "GIN_MODE", &cfg.GinMode)
	setString(env, "TLS_CERT_FILE", &cfg.TLSCertFile)
	setString(env, "TLS_KEY_FILE", &cfg.TLSKeyFile)
	setString(env, "LOG_LEVEL", &cfg.LogLevel)
	setString(env, "LOG_FORMAT", &cfg.LogFormat)

	var errs []error
	errs = append(errs,
		setSeconds(env, "TOKEN_EXPIRY_SECONDS", &cfg.TokenExpiry),
		setSeconds(env, "HEARTBEAT_TIMEOUT_SECONDS", &cfg.Heartbeat.Timeout),
		setSeconds(env, "HEARTBEAT_GRACE_SECONDS", &cfg.Heartbeat.Grace),
		setSeconds(env, "HEARTBEAT_SWEEP_SECONDS", &cfg.Heartbeat.SweepInterval),
		setSeconds(env, "COMMAND_ACK_TIMEOUT_SECONDS", &cfg.Commands.AckTimeout),
		setInt(env, "COMMAND_MAX_ATTEMPTS", &cfg.Commands.MaxAttempts),
		setSeconds(env, "COMMAND_BACKOFF_BASE_SECONDS", &cfg.Commands.BackoffBase),
		setSeconds(env, "COMMAND_BACKOFF_MAX_SECONDS", &cfg.Commands.BackoffMax),
		setSeconds(env, "COMMAND_MAX_AGE_SECONDS", &cfg.Commands.MaxAge),
		setSeconds(env, "DISPATCH_INTERVAL_SECONDS", &cfg.Commands.DispatchInterval),
		setSeconds(env, "CLIP_JOB_TIMEOUT_SECONDS", &cfg.Clips.JobTimeout),
		setInt64(env, "CLIP_MAX_BYTES", &cfg.Clips.MaxBytes),
		setSeconds(env, "RETENTION_GRACE_SECONDS", &cfg.Retention.GracePeriod),
		setInt64(env, "MAX_SEQUENCE_GAP", &cfg.Ingest.MaxSequenceGap),
		setSeconds(env, "MAX_CLOCK_SKEW_SECONDS", &cfg.Ingest.MaxClockSkew),
		setInt(env, "MAX_PROTOCOL_VIOLATIONS", &cfg.Session.MaxProtocolViolations),
		setInt(env, "SESSION_SEND_QUEUE", &cfg.Session.SendQueueSize),
		setInt(env, "EDGE_CONNECT_LIMIT", &cfg.Edge.ConnectLimit),
		setSeconds(env, "EDGE_CONNECT_WINDOW_SECONDS", &cfg.Edge.ConnectWindow),
		setInt(env, "REDIS_DB", &cfg.Redis.DB),
	)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if cfg.Heartbeat.Grace == 0 {
		cfg.Heartbeat.Grace = cfg.Heartbeat.Timeout
	}

	setString(env, "CLIP_TEMP_DIR", &cfg.Clips.TempDir)
	setString(env, "CLIP_STORAGE_DIR", &cfg.Clips.StorageDir)
	setString(env, "STATE_FILE", &cfg.StateFile)
	setString(env, "EVENT_DB_PATH", &cfg.Ingest.EventDB)
	setList(env, "ETCD_ENDPOINTS", &cfg.Etcd.Endpoints)
	setList(env, "KAFKA_BROKERS", &cfg.Kafka.Brokers)
	setString(env, "KAFKA_TOPIC", &cfg.Kafka.Topic)
	setString(env, "KAFKA_DLQ_TOPIC", &cfg.Kafka.DLQTopic)
	setString(env, "INFLUX_URL", &cfg.Influx.URL)
	setString(env, "INFLUX_TOKEN", &cfg.Influx.Token)
	setString(env, "INFLUX_ORG", &cfg.Influx.Org)
	setString(env, "INFLUX_BUCKET", &cfg.Influx.Bucket)
	setString(env, "MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	setString(env, "MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	setString(env, "MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	setString(env, "MINIO_BUCKET", &cfg.MinIO.Bucket)
	if raw := env.Getenv("MINIO_USE_TLS"); raw != "" {
		cfg.MinIO.UseTLS = raw == "true" || raw == "1"
	}
	setString(env, "REDIS_ADDR", &cfg.Redis.Addr)
	setString(env, "REDIS_PASSWORD", &cfg.Redis.Password)
	setString(env, "MQTT_BROKER_URL", &cfg.MQTT.BrokerURL)
	setString(env, "MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString(env, "MQTT_TOPIC", &cfg.MQTT.Topic)
	setString(env, "WEBHOOK_URL", &cfg.WebhookURL)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Heartbeat.Timeout <= 0 || c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat timeout and sweep interval must be positive")
	}
	if c.Commands.AckTimeout <= 0 || c.Commands.MaxAttempts <= 0 || c.Commands.DispatchInterval <= 0 {
		return fmt.Errorf("command ack timeout, max attempts and dispatch interval must be positive")
	}
	if c.Commands.BackoffMax < c.Commands.BackoffBase {
		return fmt.Errorf("command backoff max must not be below backoff base")
	}
	if c.Clips.JobTimeout <= 0 || c.Clips.MaxBytes <= 0 {
		return fmt.Errorf("clip job timeout and max bytes must be positive")
	}
	if c.Ingest.MaxSequenceGap <= 0 {
		return fmt.Errorf("invalid MAX_SEQUENCE_GAP")
	}
	if c.Session.SendQueueSize <= 0 || c.Session.MaxProtocolViolations <= 0 {
		return fmt.Errorf("session send queue and protocol violation threshold must be positive")
	}
	if c.Edge.ConnectLimit <= 0 || c.Edge.ConnectWindow <= 0 {
		return fmt.Errorf("edge connect limit and window must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when brokers are set")
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("INFLUX_ORG and INFLUX_BUCKET are required when INFLUX_URL is set")
	}
	return nil
}

func setString(env Env, key string, dst *string) {
	if raw := env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func setList(env Env, key string, dst *[]string) {
	raw := env.Getenv(key)
	if raw == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setSeconds(env Env, key string, dst *time.Duration) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return fmt.Errorf("invalid %s", key)
	}
	*dst = time.Duration(seconds) * time.Second
	return nil
}

func setInt(env Env, key string, dst *int) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fmt.Errorf("invalid %s", key)
	}
	*dst = v
	return nil
}

func setInt64(env Env, key string, dst *int64) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid %s", key)
	}
	*dst = v
	return nil
}
