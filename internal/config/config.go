// Package config loads the bridge configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides, e.g. CKG_DATABASE_PASSWORD.
const EnvPrefix = "ckg"

// Producer modes.
const (
	ModePubSub = "pubsub"
	ModeAPI    = "api"
)

// Bus drivers.
const (
	BusNATS  = "nats"
	BusKafka = "kafka"
)

// Dedup drivers.
const (
	DedupPostgres = "postgres"
	DedupRedis    = "redis"
)

// Config is the full bridge configuration shared by both binaries.
type Config struct {
	Environment  string `yaml:"environment" envconfig:"ENVIRONMENT"`
	ProducerMode string `yaml:"producer_mode" envconfig:"PRODUCER_MODE"`

	Bus      BusConfig      `yaml:"bus" envconfig:"BUS"`
	PubSub   PubSubConfig   `yaml:"pubsub" envconfig:"PUBSUB"`
	Consumer ConsumerConfig `yaml:"consumer" envconfig:"CONSUMER"`
	Producer ProducerConfig `yaml:"producer" envconfig:"PRODUCER"`
	API      APIConfig      `yaml:"api" envconfig:"API"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Dedup    DedupConfig    `yaml:"dedup" envconfig:"DEDUP"`
	Archive  ArchiveConfig  `yaml:"archive" envconfig:"ARCHIVE"`
	Metrics  MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	CKG      CKGConfig      `yaml:"ckg" envconfig:"CKG"`
}

// BusConfig selects and locates the message bus.
type BusConfig struct {
	Driver string `yaml:"driver" envconfig:"DRIVER"`

	// URL of the NATS server.
	URL string `yaml:"url" envconfig:"URL"`

	// Brokers are the Kafka seed brokers, used when Driver is kafka.
	Brokers []string `yaml:"brokers" envconfig:"BROKERS"`

	// ProjectID names the JetStream stream holding every topic.
	ProjectID string `yaml:"project_id" envconfig:"PROJECT_ID"`

	// CredentialsPath points at a NATS .creds file; empty disables it.
	CredentialsPath string `yaml:"credentials_path" envconfig:"CREDENTIALS_PATH"`

	ConnectTimeout int `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
}

// TopicConfig holds per-topic overrides.
type TopicConfig struct {
	Subscription    string `yaml:"subscription"`
	MessageOrdering bool   `yaml:"message_ordering"`
}

// PubSubConfig names the default topic and subscription.
type PubSubConfig struct {
	DefaultTopic        string                 `yaml:"default_topic" envconfig:"DEFAULT_TOPIC"`
	DefaultSubscription string                 `yaml:"default_subscription" envconfig:"DEFAULT_SUBSCRIPTION"`
	Topics              map[string]TopicConfig `yaml:"topics" ignored:"true"`
}

// FlowControlConfig bounds outstanding messages before a pull.
type FlowControlConfig struct {
	Enabled                bool  `yaml:"enabled" envconfig:"ENABLED"`
	MaxOutstandingMessages int   `yaml:"max_outstanding_messages" envconfig:"MAX_OUTSTANDING_MESSAGES"`
	MaxOutstandingBytes    int64 `yaml:"max_outstanding_bytes" envconfig:"MAX_OUTSTANDING_BYTES"`
}

// ConsumerConfig tunes the inbound pull loop. Durations are in seconds.
type ConsumerConfig struct {
	MaxMessagesPerPull    int               `yaml:"max_messages_per_pull" envconfig:"MAX_MESSAGES_PER_PULL"`
	SleepTimeBetweenPulls int               `yaml:"sleep_time_between_pulls" envconfig:"SLEEP_TIME_BETWEEN_PULLS"`
	AcknowledgeTimeout    int               `yaml:"acknowledge_timeout" envconfig:"ACKNOWLEDGE_TIMEOUT"`
	RetryCount            int               `yaml:"retry_count" envconfig:"RETRY_COUNT"`
	RetryDelay            int               `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
	AckDuplicates         bool              `yaml:"ack_duplicates" envconfig:"ACK_DUPLICATES"`
	FlowControl           FlowControlConfig `yaml:"flow_control" envconfig:"FLOW_CONTROL"`
}

// CompressionConfig enables payload compression on publish.
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Algorithm string `yaml:"algorithm" envconfig:"ALGORITHM"`
}

// ProducerConfig tunes the outbound publish path.
type ProducerConfig struct {
	EnableMessageOrdering bool              `yaml:"enable_message_ordering" envconfig:"ENABLE_MESSAGE_ORDERING"`
	BatchSize             int               `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	MessageAttributes     map[string]string `yaml:"message_attributes" envconfig:"MESSAGE_ATTRIBUTES"`
	Compression           CompressionConfig `yaml:"compression" envconfig:"COMPRESSION"`
	PublishAttempts       int               `yaml:"publish_attempts" envconfig:"PUBLISH_ATTEMPTS"`
}

// APIConfig configures synchronous dispatch to the receiving API.
type APIConfig struct {
	BaseURL   string `yaml:"base_url" envconfig:"BASE_URL"`
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	Timeout   int    `yaml:"timeout" envconfig:"TIMEOUT"`
	APIKey    string `yaml:"api_key" envconfig:"KEY"`
	APIHeader string `yaml:"api_header" envconfig:"HEADER"`
	BatchSize int    `yaml:"batch_size" envconfig:"BATCH_SIZE"`
}

// DatabaseConfig locates the relational store.
type DatabaseConfig struct {
	Host              string `yaml:"host" envconfig:"HOST"`
	Port              int    `yaml:"port" envconfig:"PORT"`
	Username          string `yaml:"username" envconfig:"USERNAME"`
	Password          string `yaml:"password" envconfig:"PASSWORD"`
	DatabaseName      string `yaml:"database_name" envconfig:"NAME"`
	Schema            string `yaml:"schema" envconfig:"SCHEMA"`
	SSLMode           string `yaml:"sslmode" envconfig:"SSLMODE"`
	Timezone          string `yaml:"timezone" envconfig:"TIMEZONE"`
	ConnectTimeout    int    `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	ReconnectAttempts int    `yaml:"reconnect_attempts" envconfig:"RECONNECT_ATTEMPTS"`
}

// DedupConfig selects the deduplication store.
type DedupConfig struct {
	Driver      string `yaml:"driver" envconfig:"DRIVER"`
	RedisAddr   string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPrefix string `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`

	// Retention in hours for processed incoming and outgoing entries.
	Retention int `yaml:"retention" envconfig:"RETENTION"`
}

// ArchiveConfig configures the rejected-payload archive.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	AccessKey string `yaml:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" envconfig:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" envconfig:"USE_SSL"`
}

// MetricsConfig configures the Prometheus listener; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

// LoggingConfig sets the log level: DEBUG, INFO, WARNING or ERROR.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// CKGConfig holds table names and the envelope marker convention.
type CKGConfig struct {
	TableSkrining  string `yaml:"table_skrining" envconfig:"TABLE_SKRINING"`
	TableLaporanSO string `yaml:"table_laporan_so" envconfig:"TABLE_LAPORAN_SO"`
	TableLaporanRO string `yaml:"table_laporan_ro" envconfig:"TABLE_LAPORAN_RO"`
	TableIncoming  string `yaml:"table_incoming" envconfig:"TABLE_INCOMING"`
	TableOutgoing  string `yaml:"table_outgoing" envconfig:"TABLE_OUTGOING"`
	TableProcessed string `yaml:"table_processed" envconfig:"TABLE_PROCESSED"`
	MarkerField    string `yaml:"marker_field" envconfig:"MARKER_FIELD"`
	MarkerProduce  string `yaml:"marker_produce" envconfig:"MARKER_PRODUCE"`
	MarkerConsume  string `yaml:"marker_consume" envconfig:"MARKER_CONSUME"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Environment:  "development",
		ProducerMode: ModeAPI,
		Bus: BusConfig{
			Driver:         BusNATS,
			URL:            "nats://localhost:4222",
			ProjectID:      "CKG",
			ConnectTimeout: 10,
		},
		PubSub: PubSubConfig{
			DefaultTopic:        "pkg-konsolidator-tb",
			DefaultSubscription: "pkg-konsolidator-tb-sub",
			Topics:              map[string]TopicConfig{},
		},
		Consumer: ConsumerConfig{
			MaxMessagesPerPull:    10,
			SleepTimeBetweenPulls: 5,
			AcknowledgeTimeout:    60,
			RetryCount:            3,
			RetryDelay:            1,
			AckDuplicates:         true,
			FlowControl: FlowControlConfig{
				MaxOutstandingMessages: 1000,
				MaxOutstandingBytes:    1000000,
			},
		},
		Producer: ProducerConfig{
			BatchSize: 100,
			MessageAttributes: map[string]string{
				"source":  "sitb-pubsub-client",
				"version": "1.0.0",
			},
			Compression: CompressionConfig{
				Algorithm: "gzip",
			},
			PublishAttempts: 3,
		},
		API: APIConfig{
			Endpoint:  "/tb/status-pasien",
			Timeout:   60,
			APIHeader: "X-API-Key",
			BatchSize: 100,
		},
		Database: DatabaseConfig{
			Host:              "localhost",
			Port:              5432,
			Username:          "xtb",
			DatabaseName:      "xtb",
			Schema:            "public",
			SSLMode:           "disable",
			Timezone:          "+07:00",
			ConnectTimeout:    10,
			ReconnectAttempts: 3,
		},
		Dedup: DedupConfig{
			Driver:      DedupPostgres,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "ckg:incoming",
			Retention:   24,
		},
		Archive: ArchiveConfig{
			Bucket: "ckg-rejected",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		CKG: CKGConfig{
			TableSkrining:  "ta_skrining",
			TableLaporanSO: "lap_tbc_03so",
			TableLaporanRO: "lap_tbc_03ro",
			TableIncoming:  "ckg_pubsub_incoming",
			TableOutgoing:  "ckg_pubsub_outgoing",
			TableProcessed: "ckg_pubsub_processed",
			MarkerField:    "transactionSource",
			MarkerProduce:  "STATUS-PASIEN-TB",
			MarkerConsume:  "SKRINING-CKG-TB",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and CKG_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.ProducerMode = strings.ToLower(strings.TrimSpace(c.ProducerMode))
	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	c.Dedup.Driver = strings.ToLower(strings.TrimSpace(c.Dedup.Driver))
	c.API.APIHeader = strings.TrimSuffix(strings.TrimSpace(c.API.APIHeader), ":")
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.PubSub.Topics == nil {
		c.PubSub.Topics = map[string]TopicConfig{}
	}
}

// Validate implements validation.Validatable.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ProducerMode, validation.Required, validation.In(ModePubSub, ModeAPI)),
		validation.Field(&c.Bus),
		validation.Field(&c.PubSub),
		validation.Field(&c.Consumer),
		validation.Field(&c.Producer),
		validation.Field(&c.API, validation.When(c.ProducerMode == ModeAPI, validation.By(func(any) error {
			return c.API.validateRequired()
		}))),
		validation.Field(&c.Database),
		validation.Field(&c.Dedup),
		validation.Field(&c.Archive),
		validation.Field(&c.CKG),
	)
}

func (b BusConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.Driver, validation.Required, validation.In(BusNATS, BusKafka)),
		validation.Field(&b.URL, validation.When(b.Driver == BusNATS, validation.Required)),
		validation.Field(&b.Brokers, validation.When(b.Driver == BusKafka, validation.Required)),
		validation.Field(&b.ProjectID, validation.Required),
		validation.Field(&b.ConnectTimeout, validation.Min(0)),
	)
}

func (p PubSubConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DefaultTopic, validation.Required),
		validation.Field(&p.DefaultSubscription, validation.Required),
	)
}

func (c ConsumerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SleepTimeBetweenPulls, validation.Min(0)),
		validation.Field(&c.AcknowledgeTimeout, validation.Min(1)),
		validation.Field(&c.RetryCount, validation.Min(1)),
		validation.Field(&c.RetryDelay, validation.Min(0)),
	)
}

func (p ProducerConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.BatchSize, validation.Min(1)),
		validation.Field(&p.PublishAttempts, validation.Min(1)),
		validation.Field(&p.Compression),
	)
}

func (c CompressionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Algorithm, validation.When(c.Enabled, validation.Required, validation.In("gzip"))),
	)
}

func (a APIConfig) validateRequired() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.BaseURL, validation.Required, is.URL),
		validation.Field(&a.Endpoint, validation.Required),
		validation.Field(&a.APIKey, validation.Required),
		validation.Field(&a.APIHeader, validation.Required),
		validation.Field(&a.Timeout, validation.Min(1)),
	)
}

func (d DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Host, validation.Required),
		validation.Field(&d.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&d.Username, validation.Required),
		validation.Field(&d.DatabaseName, validation.Required),
		validation.Field(&d.ReconnectAttempts, validation.Min(1)),
	)
}

func (d DedupConfig) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In(DedupPostgres, DedupRedis)),
		validation.Field(&d.RedisAddr, validation.When(d.Driver == DedupRedis, validation.Required)),
		validation.Field(&d.Retention, validation.Min(1)),
	)
}

func (a ArchiveConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Endpoint, validation.When(a.Enabled, validation.Required)),
		validation.Field(&a.Bucket, validation.When(a.Enabled, validation.Required)),
	)
}

func (c CKGConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.TableSkrining, validation.Required),
		validation.Field(&c.TableLaporanSO, validation.Required),
		validation.Field(&c.TableLaporanRO, validation.Required),
		validation.Field(&c.TableIncoming, validation.Required),
		validation.Field(&c.TableOutgoing, validation.Required),
		validation.Field(&c.TableProcessed, validation.Required),
		validation.Field(&c.MarkerField, validation.Required),
		validation.Field(&c.MarkerProduce, validation.Required),
		validation.Field(&c.MarkerConsume, validation.Required, validation.NotIn(c.MarkerProduce)),
	)
}

// Subscription returns the subscription bound to topic, falling back to the
// default subscription.
func (p PubSubConfig) Subscription(topic string) string {
	if t, ok := p.Topics[topic]; ok && t.Subscription != "" {
		return t.Subscription
	}
	return p.DefaultSubscription
}

// MessageOrdering reports whether ordering is enabled for topic.
func (p PubSubConfig) MessageOrdering(topic string) bool {
	return p.Topics[topic].MessageOrdering
}

func (c ConsumerConfig) SleepBetweenPulls() time.Duration {
	return time.Duration(c.SleepTimeBetweenPulls) * time.Second
}

func (c ConsumerConfig) AckTimeout() time.Duration {
	return time.Duration(c.AcknowledgeTimeout) * time.Second
}

func (c ConsumerConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

func (a APIConfig) RequestTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

func (b BusConfig) DialTimeout() time.Duration {
	return time.Duration(b.ConnectTimeout) * time.Second
}

func (d DatabaseConfig) DialTimeout() time.Duration {
	return time.Duration(d.ConnectTimeout) * time.Second
}

func (d DedupConfig) RetentionPeriod() time.Duration {
	return time.Duration(d.Retention) * time.Hour
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// fall back to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
