// Package config loads and validates the replicator configuration from a
// YAML file plus TRIBUTARY_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tributary-io/tributary/internal/types"
)

// Source configures the commit-log reader and the catalog connection.
type Source struct {
	CommitLogDir   string   `mapstructure:"commitLogDir"`
	Keyspace       string   `mapstructure:"keyspace"`
	Tables         []string `mapstructure:"tables"`
	PollIntervalMs int      `mapstructure:"pollIntervalMs"`
}

// Pipeline holds batching and backpressure tuning.
type Pipeline struct {
	BatchSize                        int `mapstructure:"batchSize"`
	MaxBatchBytes                    int `mapstructure:"maxBatchBytes"`
	MaxBatchAgeMs                    int `mapstructure:"maxBatchAgeMs"`
	WorkersPerDestination            int `mapstructure:"workersPerDestination"`
	MaxInflightBatchesPerDestination int `mapstructure:"maxInflightBatchesPerDestination"`
	ShutdownDeadlineMs               int `mapstructure:"shutdownDeadlineMs"`
}

// Retry mirrors the backoff policy knobs.
type Retry struct {
	MaxAttempts int     `mapstructure:"maxAttempts"`
	BaseDelayMs int     `mapstructure:"baseDelayMs"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxDelayMs  int     `mapstructure:"maxDelayMs"`
	JitterFrac  float64 `mapstructure:"jitterFrac"`
}

// Schema configures the catalog poller.
type Schema struct {
	Manifest       string `mapstructure:"manifest"`
	PollIntervalMs int    `mapstructure:"pollIntervalMs"`
}

// Destination is the per-warehouse connection block. Destinations default
// to disabled.
type Destination struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslMode"`
}

// DSN renders a Postgres-style connection string for pgx.
func (d Destination) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, ssl)
}

// Masking configures field classification and the digest secrets.
type Masking struct {
	PIIPatterns []string `mapstructure:"piiPatterns"`
	PHIPatterns []string `mapstructure:"phiPatterns"`
	Salt        string   `mapstructure:"salt"`
	KeyID       string   `mapstructure:"keyId"`
	Key         string   `mapstructure:"key"`
}

// DLQ configures the dead-letter directory.
type DLQ struct {
	Dir string `mapstructure:"dir"`
}

// Observability configures logging and the metrics/health listener.
type Observability struct {
	ListenAddr      string `mapstructure:"listenAddr"`
	LogLevel        string `mapstructure:"logLevel"`
	LogFormat       string `mapstructure:"logFormat"`
	TracingEnabled  bool   `mapstructure:"tracingEnabled"`
	TracingEndpoint string `mapstructure:"tracingEndpoint"`
}

// Config is the full replicator configuration.
type Config struct {
	Source        Source                 `mapstructure:"source"`
	Pipeline      Pipeline               `mapstructure:"pipeline"`
	Retry         Retry                  `mapstructure:"retry"`
	Schema        Schema                 `mapstructure:"schema"`
	Destinations  map[string]Destination `mapstructure:"destinations"`
	Masking       Masking                `mapstructure:"masking"`
	DLQ           DLQ                    `mapstructure:"dlq"`
	Observability Observability          `mapstructure:"observability"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.commitLogDir", "/var/lib/cassandra/cdc_raw")
	v.SetDefault("source.pollIntervalMs", 1000)

	v.SetDefault("pipeline.batchSize", 100)
	v.SetDefault("pipeline.maxBatchBytes", 1<<20)
	v.SetDefault("pipeline.maxBatchAgeMs", 1000)
	v.SetDefault("pipeline.workersPerDestination", 4)
	v.SetDefault("pipeline.maxInflightBatchesPerDestination", 8)
	v.SetDefault("pipeline.shutdownDeadlineMs", 30000)

	v.SetDefault("retry.maxAttempts", 5)
	v.SetDefault("retry.baseDelayMs", 100)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.maxDelayMs", 30000)
	v.SetDefault("retry.jitterFrac", 0.25)

	v.SetDefault("schema.manifest", "schema.yaml")
	v.SetDefault("schema.pollIntervalMs", 30000)

	v.SetDefault("dlq.dir", "data/dlq")

	v.SetDefault("observability.listenAddr", ":9090")
	v.SetDefault("observability.logLevel", "info")
	v.SetDefault("observability.logFormat", "json")
}

// Load reads the config file at path (optional: empty path uses defaults
// and environment only) and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRIBUTARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Source.Keyspace == "" {
		return errors.New("source.keyspace is required")
	}
	if len(c.Source.Tables) == 0 {
		return errors.New("source.tables must name at least one table")
	}
	if c.Pipeline.BatchSize < 1 {
		return errors.New("pipeline.batchSize must be at least 1")
	}
	if c.Pipeline.WorkersPerDestination < 1 {
		return errors.New("pipeline.workersPerDestination must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.maxAttempts must be at least 1")
	}
	if c.Retry.Multiplier < 1.0 {
		return errors.New("retry.multiplier must be >= 1.0")
	}
	if c.Retry.JitterFrac < 0 || c.Retry.JitterFrac > 1 {
		return errors.New("retry.jitterFrac must be in [0, 1]")
	}
	for name := range c.Destinations {
		if _, err := types.ParseDestination(name); err != nil {
			return fmt.Errorf("destinations: %w", err)
		}
	}
	enabled := c.EnabledDestinations()
	if len(enabled) == 0 {
		return errors.New("at least one destination must be enabled")
	}
	for _, name := range enabled {
		d := c.Destinations[string(name)]
		if d.Host == "" || d.Port == 0 || d.Database == "" {
			return fmt.Errorf("destination %s: host, port and database are required", name)
		}
	}
	return nil
}

// EnabledDestinations returns the destinations switched on in config, in
// the canonical order of types.AllDestinations.
func (c *Config) EnabledDestinations() []types.Destination {
	var out []types.Destination
	for _, d := range types.AllDestinations {
		if dc, ok := c.Destinations[string(d)]; ok && dc.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Duration helpers: config stores integral milliseconds, callers want
// time.Duration.

func (p Pipeline) MaxBatchAge() time.Duration      { return time.Duration(p.MaxBatchAgeMs) * time.Millisecond }
func (p Pipeline) ShutdownDeadline() time.Duration { return time.Duration(p.ShutdownDeadlineMs) * time.Millisecond }
func (r Retry) BaseDelay() time.Duration           { return time.Duration(r.BaseDelayMs) * time.Millisecond }
func (r Retry) MaxDelay() time.Duration            { return time.Duration(r.MaxDelayMs) * time.Millisecond }
func (s Schema) PollInterval() time.Duration       { return time.Duration(s.PollIntervalMs) * time.Millisecond }
func (s Source) PollInterval() time.Duration       { return time.Duration(s.PollIntervalMs) * time.Millisecond }
