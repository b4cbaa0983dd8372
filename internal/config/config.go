package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Migration   MigrationConfig   `yaml:"migration"`
	Repository  RepositoryConfig  `yaml:"repository"`
	Consistency ConsistencyConfig `yaml:"consistency"`
	Events      EventsConfig      `yaml:"events"`
	Admin       AdminConfig       `yaml:"admin"`
}

// StorageConfig describes both persistence backends.
type StorageConfig struct {
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MongoConfig configures the primary document store.
type MongoConfig struct {
	URI          string `yaml:"uri"`
	DatabaseName string `yaml:"database_name"`
	Collection   string `yaml:"collection"`
}

// PostgresConfig configures the secondary relational store.
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// Queue backend names.
const (
	QueueBackendMemory = "memory"
	QueueBackendSQLite = "sqlite"
)

// QueueConfig selects and configures the sync queue backend.
type QueueConfig struct {
	// Backend is "memory" or "sqlite". The sqlite backend survives process
	// restarts; memory does not, which is the documented trade-off for the
	// primary-write-then-enqueue gap.
	Backend string `yaml:"backend"`
	// Path is the sqlite database file, used only by the sqlite backend.
	Path string `yaml:"path"`
}

// WorkerConfig configures the background sync worker.
type WorkerConfig struct {
	Interval   Duration `yaml:"interval"`
	BatchSize  int      `yaml:"batch_size"`
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// PipelineConfig configures a single resilience pipeline.
type PipelineConfig struct {
	Timeout              Duration `yaml:"timeout"`
	MaxRetries           int      `yaml:"max_retries"`
	BaseDelay            Duration `yaml:"base_delay"`
	MaxDelay             Duration `yaml:"max_delay"`
	BreakerThreshold     int      `yaml:"breaker_threshold"`
	BreakerBreakDuration Duration `yaml:"breaker_break_duration"`
}

// ResilienceConfig holds per-backend pipeline settings. Each backend gets
// its own circuit instance; a slow secondary must never trip the primary.
type ResilienceConfig struct {
	Primary   PipelineConfig `yaml:"primary"`
	Secondary PipelineConfig `yaml:"secondary"`
}

// MigrationConfig holds the phase the engine starts in. The phase is
// runtime-settable afterwards through the admin surface.
type MigrationConfig struct {
	InitialPhase string `yaml:"initial_phase"`
}

// RepositoryConfig holds repository-level feature switches.
type RepositoryConfig struct {
	EnableCompensationLogging   bool `yaml:"enable_compensation_logging"`
	EnableConsistencyValidation bool `yaml:"enable_consistency_validation"`
}

// ConsistencyConfig configures the validator.
type ConsistencyConfig struct {
	// IgnoreRules are CEL expressions evaluated per field diff; a rule
	// returning true marks that diff as benign.
	IgnoreRules []string `yaml:"ignore_rules"`
}

// EventsConfig configures the engine event publisher.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the JetStream event publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

// AdminConfig configures the operator HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the configuration used when nothing is supplied.
func DefaultConfig() *Config {
	pipeline := PipelineConfig{
		Timeout:              Duration(5 * time.Second),
		MaxRetries:           3,
		BaseDelay:            Duration(time.Second),
		MaxDelay:             Duration(30 * time.Second),
		BreakerThreshold:     5,
		BreakerBreakDuration: Duration(30 * time.Second),
	}

	return &Config{
		Logging: DefaultLoggingConfig(),
		Storage: StorageConfig{
			Mongo: MongoConfig{
				URI:          "mongodb://localhost:27017",
				DatabaseName: "polysync",
				Collection:   "entities",
			},
			Postgres: PostgresConfig{
				DSN:   "postgres://localhost:5432/polysync?sslmode=disable",
				Table: "entities",
			},
		},
		Queue: QueueConfig{
			Backend: QueueBackendMemory,
			Path:    "data/syncqueue.db",
		},
		Worker: WorkerConfig{
			Interval:   Duration(5 * time.Second),
			BatchSize:  50,
			MaxRetries: 5,
			BaseDelay:  Duration(time.Second),
			MaxDelay:   Duration(5 * time.Minute),
		},
		Resilience: ResilienceConfig{
			Primary:   pipeline,
			Secondary: pipeline,
		},
		Migration: MigrationConfig{
			InitialPhase: "primary_only",
		},
		Repository: RepositoryConfig{
			EnableCompensationLogging:   true,
			EnableConsistencyValidation: true,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Enabled: false,
				URL:     "nats://localhost:4222",
				Stream:  "POLYSYNC",
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":8085",
		},
	}
}

// Load reads configuration from the given file, layered over defaults,
// then applies environment overrides and validates.
// A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides for the
// settings that differ between deployments.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("POLYSYNC_MONGO_URI"); v != "" {
		c.Storage.Mongo.URI = v
	}
	if v := os.Getenv("POLYSYNC_POSTGRES_DSN"); v != "" {
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("POLYSYNC_NATS_URL"); v != "" {
		c.Events.NATS.URL = v
	}
	if v := os.Getenv("POLYSYNC_MIGRATION_PHASE"); v != "" {
		c.Migration.InitialPhase = v
	}
	if v := os.Getenv("POLYSYNC_QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = v
	}
	if v := os.Getenv("POLYSYNC_ADMIN_ADDR"); v != "" {
		c.Admin.Addr = v
	}
}

// ApplyDefaults fills gaps left by partial configuration files.
func (c *Config) ApplyDefaults() {
	c.Logging.ApplyDefaults()

	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendMemory
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 50
	}
	if c.Worker.Interval <= 0 {
		c.Worker.Interval = Duration(5 * time.Second)
	}
	if c.Worker.BaseDelay <= 0 {
		c.Worker.BaseDelay = Duration(time.Second)
	}
	if c.Worker.MaxDelay <= 0 {
		c.Worker.MaxDelay = Duration(5 * time.Minute)
	}

	applyPipelineDefaults(&c.Resilience.Primary)
	applyPipelineDefaults(&c.Resilience.Secondary)
}

func applyPipelineDefaults(p *PipelineConfig) {
	if p.Timeout <= 0 {
		p.Timeout = Duration(5 * time.Second)
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Duration(time.Second)
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Duration(30 * time.Second)
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerBreakDuration <= 0 {
		p.BreakerBreakDuration = Duration(30 * time.Second)
	}
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendSQLite:
	default:
		return fmt.Errorf("queue.backend must be memory or sqlite, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == QueueBackendSQLite && c.Queue.Path == "" {
		return fmt.Errorf("queue.path is required for the sqlite backend")
	}
	if c.Storage.Mongo.URI == "" {
		return fmt.Errorf("storage.mongo.uri is required")
	}
	if c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be non-negative")
	}
	if c.Admin.Enabled && c.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when the admin surface is enabled")
	}
	return nil
}
